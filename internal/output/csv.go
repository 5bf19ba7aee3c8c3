package output

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/IliaW/resource-scanner/internal/model"
)

var csvHeader = []string{"domain", "success", "error", "final_url", "scanned_at", "url", "type", "is_external",
	"has_sri"}

// CSVSink writes one row per resource. A result without resources still gets one row with empty resource
// columns so failures stay visible.
type CSVSink struct {
	c      io.Closer
	w      *csv.Writer
	header bool
	closed bool
}

func NewCSVSink(w io.WriteCloser) *CSVSink {
	return &CSVSink{c: w, w: csv.NewWriter(w)}
}

func (s *CSVSink) Write(_ context.Context, result *model.ScanResult) error {
	if !s.header {
		if err := s.w.Write(csvHeader); err != nil {
			return err
		}
		s.header = true
	}
	prefix := []string{
		result.Domain,
		strconv.FormatBool(result.Success),
		result.Error,
		result.FinalURL,
		result.ScannedAt.Format(time.RFC3339),
	}
	if len(result.Resources) == 0 {
		if err := s.w.Write(append(prefix, "", "", "", "")); err != nil {
			return err
		}
	}
	for _, r := range result.Resources {
		sri := ""
		if r.HasSRI != nil {
			sri = strconv.FormatBool(*r.HasSRI)
		}
		row := append(append([]string(nil), prefix...), r.URL, string(r.Type), strconv.FormatBool(r.IsExternal), sri)
		if err := s.w.Write(row); err != nil {
			return err
		}
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Durable() bool { return false }

func (s *CSVSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.c.Close()
		return err
	}
	return s.c.Close()
}
