package llm

import (
	"context"
	"strings"
	"time"
)

const defaultSimulatedText = "Based on the available context, I analyzed the reported symptoms " +
	"against known failure signatures. The log patterns point to a dependency timeout rather " +
	"than resource exhaustion. I recommend restarting the affected service and raising the " +
	"upstream connection timeout. Confidence in this assessment is high."

// SimulatedStreamer emits a canned response word by word. Used when no
// model endpoint is configured, and by tests.
type SimulatedStreamer struct {
	Text  string
	Delay time.Duration
}

// NewSimulatedStreamer creates a streamer with the default canned text.
func NewSimulatedStreamer(delay time.Duration) *SimulatedStreamer {
	return &SimulatedStreamer{Text: defaultSimulatedText, Delay: delay}
}

// Stream implements Streamer.
func (s *SimulatedStreamer) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	words := strings.SplitAfter(s.Text, " ")

	go func() {
		defer close(ch)
		for _, w := range words {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- Chunk{Delta: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
