package email

import (
	"context"
	"sync"

	"github.com/lyzr/flowengine/common/logger"
)

// LogMailer records mail instead of sending it. Used when no SMTP relay is
// configured, and by tests.
type LogMailer struct {
	mu   sync.Mutex
	sent []Message
	log  *logger.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer(log *logger.Logger) *LogMailer {
	return &LogMailer{log: log}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	preview := msg.Body
	if len(preview) > 200 {
		preview = preview[:200]
	}
	m.log.Info("mail send simulated", "to", msg.To, "subject", msg.Subject, "preview", preview)
	return nil
}

// Sent returns the recorded messages.
func (m *LogMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
