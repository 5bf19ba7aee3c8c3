package output

import (
	"context"
	"io"

	"github.com/IliaW/resource-scanner/internal/model"
)

// JSONSink streams results as one JSON array.
type JSONSink struct {
	w      io.WriteCloser
	count  int
	closed bool
}

func NewJSONSink(w io.WriteCloser) *JSONSink {
	return &JSONSink{w: w}
}

func (s *JSONSink) Write(_ context.Context, result *model.ScanResult) error {
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	sep := ",\n"
	if s.count == 0 {
		sep = "[\n"
	}
	if _, err = io.WriteString(s.w, sep); err != nil {
		return err
	}
	if _, err = s.w.Write(body); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *JSONSink) Durable() bool { return false }

func (s *JSONSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	tail := "\n]\n"
	if s.count == 0 {
		tail = "[]\n"
	}
	if _, err := io.WriteString(s.w, tail); err != nil {
		_ = s.w.Close()
		return err
	}
	return s.w.Close()
}
