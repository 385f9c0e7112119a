// Package stream relays model output to a transport while keeping the stored
// transcript equal to what was fully delivered.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/llm"
	"ai-chatpal/internal/metrics"
	"ai-chatpal/internal/storage"
)

// EmptyReply replaces a completion with no text.
const EmptyReply = "(No response)"

// ErrSinkClosed means the transport stopped accepting chunks.
var ErrSinkClosed = errors.New("sink closed")

// Sink is implemented by each transport.
type Sink interface {
	// Chunk forwards a fragment as soon as it arrives.
	Chunk(text string) error
	// Finish receives the full reply after it was stored.
	Finish(full string) error
	// Fail reports a terminal error to the client.
	Fail(err error)
}

type Recorder interface {
	StreamStarted()
	RecordStream(result string)
}

type nopRecorder struct{}

func (nopRecorder) StreamStarted()      {}
func (nopRecorder) RecordStream(string) {}

type Coordinator struct {
	conversations *conversation.Manager
	model         llm.Streamer
	systemPrompt  string
	metrics       Recorder
}

func NewCoordinator(conversations *conversation.Manager, model llm.Streamer, systemPrompt string, rec Recorder) *Coordinator {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Coordinator{
		conversations: conversations,
		model:         model,
		systemPrompt:  strings.TrimSpace(systemPrompt),
		metrics:       rec,
	}
}

// Messages builds the model input: system prompt, stored window, then the new user text.
func (c *Coordinator) Messages(turns []storage.Turn, text string) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)+2)
	if c.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: c.systemPrompt})
	}
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == storage.RoleModel {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
}

// Run streams one reply for text. The user turn and the reply are stored
// together only after the model finished; on any failure nothing is stored.
func (c *Coordinator) Run(ctx context.Context, userID, text string, sink Sink) (string, error) {
	c.metrics.StreamStarted()
	full, err := c.run(ctx, userID, text, sink)
	switch {
	case err == nil:
		c.metrics.RecordStream(metrics.StreamCompleted)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrSinkClosed):
		c.metrics.RecordStream(metrics.StreamCancelled)
	default:
		c.metrics.RecordStream(metrics.StreamFailed)
	}
	return full, err
}

func (c *Coordinator) run(ctx context.Context, userID, text string, sink Sink) (string, error) {
	turns, err := c.conversations.BuildContext(ctx, userID)
	if err != nil {
		sink.Fail(err)
		return "", fmt.Errorf("build context: %w", err)
	}

	chunks, err := c.model.Stream(ctx, c.Messages(turns, text))
	if err != nil {
		if !errors.Is(err, llm.ErrModelUnavailable) {
			err = fmt.Errorf("%w: %w", llm.ErrModelUnavailable, err)
		}
		log.Printf("❌ model stream for %s: %v", userID, err)
		sink.Fail(err)
		return "", err
	}
	defer chunks.Close()

	var acc strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			sink.Fail(err)
			return "", err
		}
		piece, err := chunks.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				sink.Fail(ctxErr)
				return "", ctxErr
			}
			if !errors.Is(err, llm.ErrModelUnavailable) {
				err = fmt.Errorf("%w: %w", llm.ErrModelUnavailable, err)
			}
			log.Printf("❌ model stream for %s broke after %d bytes: %v", userID, acc.Len(), err)
			sink.Fail(err)
			return "", err
		}
		if piece == "" {
			continue
		}
		acc.WriteString(piece)
		if err := sink.Chunk(piece); err != nil {
			log.Printf("⚠️ client for %s went away mid-stream: %v", userID, err)
			return "", fmt.Errorf("%w: %w", ErrSinkClosed, err)
		}
	}

	full := strings.TrimSpace(acc.String())
	if full == "" {
		full = EmptyReply
	}
	// the reply is complete; a late cancellation must not drop it
	if err := c.conversations.AppendExchange(context.WithoutCancel(ctx), userID, text, full); err != nil {
		log.Printf("❌ store reply for %s: %v", userID, err)
	}
	if err := sink.Finish(full); err != nil {
		log.Printf("⚠️ deliver final reply to %s: %v", userID, err)
	}
	return full, nil
}
