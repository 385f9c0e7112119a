package llm

import (
	"context"
	"errors"
	"io"
)

// Message roles understood by the providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrModelUnavailable wraps every failure coming from a provider.
var ErrModelUnavailable = errors.New("model unavailable")

type Message struct {
	Role    string
	Content string
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (Response, error)
}

// ChunkStream yields text fragments of one completion. Recv returns io.EOF
// after the last fragment. Close must be called in every case.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// Streamer opens incremental completions.
type Streamer interface {
	Stream(ctx context.Context, messages []Message) (ChunkStream, error)
}

// Streaming turns a single-shot client into a Streamer. The whole completion
// arrives as one chunk.
func Streaming(c Client) Streamer {
	if s, ok := c.(Streamer); ok {
		return s
	}
	return singleShot{client: c}
}

type singleShot struct {
	client Client
}

func (s singleShot) Stream(ctx context.Context, messages []Message) (ChunkStream, error) {
	resp, err := s.client.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &onceStream{text: resp.Content}, nil
}

type onceStream struct {
	text string
	done bool
}

func (s *onceStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

func (s *onceStream) Close() error { return nil }
