package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/expr"
	"github.com/lyzr/flowengine/common/llm"
	"github.com/lyzr/flowengine/common/sentence"
	"github.com/lyzr/flowengine/common/tools"
)

// agenticTask pipeline: register for cancellation, run configured tools,
// stream a model analysis sentence by sentence, retry below the confidence
// threshold, fall back to a tool-derived summary when streaming is
// unavailable.
type agenticExecutor struct {
	env *Env
}

type agenticResult struct {
	Analysis    string         `json:"analysis"`
	Confidence  float64        `json:"confidence"`
	Attempts    int            `json:"attempts"`
	ToolResults map[string]any `json:"toolResults"`
	Cancelled   bool           `json:"cancelled,omitempty"`
}

func (e *agenticExecutor) Execute(ctx context.Context, call *Call) error {
	task := call.Task
	broker := e.env.Broker
	vars := call.Scope.Snapshot()

	broker.MarkCancellable(task.ID)
	defer broker.MarkCompleted(task.ID)

	// A cancel request closes the signal channel; fold that into the
	// context so every blocking step below observes it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if sig := broker.CancelSignal(task.ID); sig != nil {
		go func() {
			select {
			case <-sig:
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	content := expr.SubstituteText(task.StringProp("content"), vars)
	if content == "" {
		content = expr.SubstituteText(task.StringProp("prompt"), vars)
	}
	fileName := expr.SubstituteText(task.StringProp("fileName"), vars)

	threshold := task.FloatProp("confidenceThreshold", 0.7)
	maxRetries := task.IntProp("maxRetries", 2)

	toolResults, err := e.runTools(runCtx, call, content, fileName)
	if err != nil {
		return e.finishCancelled(call, "", toolResults)
	}

	var (
		analysis   string
		confidence float64
		attempts   int
	)
	for attempts = 1; ; attempts++ {
		if broker.IsCancelled(task.ID) || runCtx.Err() != nil {
			return e.finishCancelled(call, analysis, toolResults)
		}

		broker.Thinking(task.ID, fmt.Sprintf("Analyzing %s (attempt %d)", displayName(task), attempts))

		analysis, confidence, err = e.analyze(runCtx, call, content, toolResults)
		if err != nil {
			if runCtx.Err() != nil || broker.IsCancelled(task.ID) {
				return e.finishCancelled(call, analysis, toolResults)
			}
			e.env.Log.Warn("analysis attempt failed", "task_id", task.ID, "attempt", attempts, "error", err)
			analysis, confidence = e.fallbackAnalysis(content, toolResults)
		}

		if confidence >= threshold || attempts > maxRetries {
			break
		}
		broker.TaskProgress(task.ID, "retrying",
			fmt.Sprintf("Confidence %.2f below threshold %.2f, retrying", confidence, threshold), 0.6)
	}

	result := agenticResult{
		Analysis:    analysis,
		Confidence:  confidence,
		Attempts:    attempts,
		ToolResults: toolResults,
	}
	call.Scope.Set(task.ID+"_result", result)
	broker.TaskProgress(task.ID, "completed",
		fmt.Sprintf("Analysis complete (confidence %.2f)", confidence), 1.0)
	return nil
}

// runTools invokes each configured tool in order. Backend failures are
// recorded as results, not raised; a cancelled context stops the loop.
func (e *agenticExecutor) runTools(ctx context.Context, call *Call, content, fileName string) (map[string]any, error) {
	task := call.Task
	results := make(map[string]any)
	if e.env.Tools == nil {
		return results, nil
	}

	for _, name := range task.StringSliceProp("tools") {
		if ctx.Err() != nil || e.env.Broker.IsCancelled(task.ID) {
			return results, context.Canceled
		}

		args := tools.BuildArgs(name, content, fileName)
		e.env.Broker.ToolStart(task.ID, name, args)

		out, err := e.env.Tools.Invoke(ctx, name, args)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			e.env.Log.Warn("tool invocation failed", "task_id", task.ID, "tool", name, "error", err)
			out = map[string]any{"error": err.Error()}
		}
		results[name] = out
		e.env.Broker.ToolEnd(task.ID, name, out)
	}
	return results, nil
}

// analyze streams a completion and emits each detected sentence as a
// message chunk. Returns the full text and a confidence score.
func (e *agenticExecutor) analyze(ctx context.Context, call *Call, content string, toolResults map[string]any) (string, float64, error) {
	task := call.Task
	if e.env.Streamer == nil {
		text, conf := e.fallbackAnalysis(content, toolResults)
		return text, conf, nil
	}

	systemPrompt := task.StringProp("systemPrompt")
	if systemPrompt == "" {
		systemPrompt = "You are a workflow analysis agent. Analyze the provided content and summarize findings."
	}
	userPrompt := e.buildPrompt(content, toolResults)

	model := task.StringProp("model")
	if model == "" {
		model = e.env.Options.DefaultModel
	}

	stream, err := e.env.Streamer.Stream(ctx, llm.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    e.env.Options.MaxTokens,
	})
	if err != nil {
		return "", 0, err
	}

	seg := sentence.New()
	var full strings.Builder

	emit := func(s string) {
		if s == "" {
			return
		}
		e.env.Broker.MessageChunk(task.ID, uuid.NewString(), s)
	}

	for chunk := range stream {
		if chunk.Err != nil {
			return full.String(), 0, chunk.Err
		}
		full.WriteString(chunk.Delta)
		for _, s := range seg.AddChunk(chunk.Delta) {
			emit(s)
		}
		if ctx.Err() != nil {
			return full.String(), 0, ctx.Err()
		}
	}
	// The streamer closes the channel on cancellation without an error
	// chunk; a clean loop exit is not necessarily a complete stream.
	if ctx.Err() != nil {
		return full.String(), 0, ctx.Err()
	}
	emit(seg.Flush())

	return full.String(), 0.92, nil
}

func (e *agenticExecutor) buildPrompt(content string, toolResults map[string]any) string {
	var b strings.Builder
	b.WriteString("Content:\n")
	b.WriteString(content)
	if len(toolResults) > 0 {
		b.WriteString("\n\nTool findings:\n")
		for name, result := range toolResults {
			fmt.Fprintf(&b, "- %s: %v\n", name, result)
		}
	}
	return b.String()
}

// fallbackAnalysis builds a plain summary from tool results when no model
// stream is available.
func (e *agenticExecutor) fallbackAnalysis(content string, toolResults map[string]any) (string, float64) {
	var b strings.Builder
	b.WriteString("Automated analysis summary.")
	if len(toolResults) > 0 {
		fmt.Fprintf(&b, " %d tool(s) consulted:", len(toolResults))
		for name, result := range toolResults {
			fmt.Fprintf(&b, " %s=%v;", name, result)
		}
	} else if content != "" {
		preview := content
		if len(preview) > 200 {
			preview = preview[:200]
		}
		fmt.Fprintf(&b, " Content reviewed: %s", preview)
	}
	return b.String(), 0.6
}

// finishCancelled records a partial result and returns context.Canceled so
// the engine terminates the path: no completion frame, no compensation
// registration, no downstream traversal. The task.cancelled frame with the
// partial payload is emitted only for a cancel accepted through the broker;
// a context teardown already had its frame emitted by the engine.
func (e *agenticExecutor) finishCancelled(call *Call, partial string, toolResults map[string]any) error {
	task := call.Task
	if e.env.Broker.IsCancelled(task.ID) {
		percentage := 0.0
		if partial != "" {
			percentage = 0.5
		}
		e.env.Broker.Broadcast(map[string]any{
			"type":      events.TypeTaskCancelled,
			"elementId": task.ID,
			"reason":    "cancelled by request",
			"partialResult": map[string]any{
				"text":       partial,
				"tokens":     len(strings.Fields(partial)),
				"percentage": percentage,
			},
		})
	}
	call.Scope.Set(task.ID+"_result", agenticResult{
		Analysis:    partial,
		ToolResults: toolResults,
		Cancelled:   true,
	})
	return context.Canceled
}
