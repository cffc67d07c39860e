package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/common/logger"
)

func TestAddApprovalLinksPlain(t *testing.T) {
	body := AddApprovalLinks("Please review the incident.",
		"http://example.com/", "diagnosticApproval", "wf-123", false)

	assert.Contains(t, body, "Please review the incident.")
	assert.Contains(t, body, "http://example.com/webhooks/approve/diagnosticApproval/wf-123")
	assert.Contains(t, body, "http://example.com/webhooks/deny/diagnosticApproval/wf-123")
	assert.NotContains(t, body, "<a href")
}

func TestAddApprovalLinksHTML(t *testing.T) {
	body := AddApprovalLinks("<p>Review</p>",
		"http://example.com", "approvalRequest", "wf-9", true)

	assert.Contains(t, body, `href="http://example.com/webhooks/approve/approvalRequest/wf-9"`)
	assert.Contains(t, body, `href="http://example.com/webhooks/deny/approvalRequest/wf-9"`)
}

func TestLogMailerRecords(t *testing.T) {
	m := NewLogMailer(logger.New("error", "text"))

	err := m.Send(context.Background(), Message{
		From: "noreply@example.com", To: "ops@example.com", Subject: "Approval needed", Body: "hi",
	})
	require.NoError(t, err)

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops@example.com", sent[0].To)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, m.Send(ctx, Message{}))
}
