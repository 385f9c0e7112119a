package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ai-chatpal/internal/llm"
)

// sseSink writes one server-sent event per chunk and flushes immediately.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	left    int
}

func newSSESink(w http.ResponseWriter, left int) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher, left: left}, nil
}

func (s *sseSink) event(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Chunk(text string) error {
	return s.event(map[string]string{"content": text})
}

func (s *sseSink) Finish(string) error {
	return s.event(map[string]any{"done": true, "left": s.left})
}

func (s *sseSink) Fail(err error) {
	msg := "Something went wrong, please try again."
	if errors.Is(err, llm.ErrModelUnavailable) {
		msg = "The model is unavailable right now, please try again."
	}
	_ = s.event(map[string]string{"error": msg})
}
