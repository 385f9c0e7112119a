package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sseServer(t *testing.T, chunks []string, gotHeaders chan<- http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if gotHeaders != nil {
			gotHeaders <- r.Header.Clone()
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		// a role-only frame first, as real providers send
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`+"\n\n")
		for _, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"id":      "c1",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestOpenAIStreamYieldsChunksInOrder(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := sseServer(t, []string{"Hel", "lo, world"}, headers)
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, "test-model", "https://example.org", "chatpal")
	stream, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, chunk)
	}
	if len(got) != 2 || got[0] != "Hel" || got[1] != "lo, world" {
		t.Fatalf("unexpected chunks: %q", got)
	}

	h := <-headers
	if h.Get("HTTP-Referer") != "https://example.org" || h.Get("X-Title") != "chatpal" {
		t.Fatalf("OpenRouter headers missing: %v", h)
	}
}

func TestOpenAIStreamOpenFailureIsModelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, "test-model", "", "")
	_, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

type fakeClient struct {
	resp Response
	err  error
}

func (f fakeClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	return f.resp, f.err
}

func TestStreamingWrapsSingleShotClient(t *testing.T) {
	s := Streaming(fakeClient{resp: Response{Content: "whole answer"}})
	stream, err := s.Stream(context.Background(), nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunk, err := stream.Recv()
	if err != nil || chunk != "whole answer" {
		t.Fatalf("first Recv = %q, %v", chunk, err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStreamingPropagatesError(t *testing.T) {
	boom := fmt.Errorf("%w: quota", ErrModelUnavailable)
	_, err := Streaming(fakeClient{err: boom}).Stream(context.Background(), nil)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestStreamingKeepsNativeStreamer(t *testing.T) {
	c := NewOpenAI("k", "http://127.0.0.1:0", "m", "", "")
	if _, ok := Streaming(c).(*OpenAIClient); !ok {
		t.Fatalf("native streamer should be returned as is")
	}
}
