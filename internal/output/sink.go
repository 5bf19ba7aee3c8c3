package output

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/IliaW/resource-scanner/internal/model"
	"github.com/IliaW/resource-scanner/internal/persistence"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink receives results from the single writer stage, one call at a time.
type Sink interface {
	Write(ctx context.Context, result *model.ScanResult) error
	// Durable sinks are checkpointed after every successful Write.
	Durable() bool
	Close() error
}

type StoreSink struct {
	storage persistence.ScanStorage
}

func NewStoreSink(storage persistence.ScanStorage) *StoreSink {
	return &StoreSink{storage: storage}
}

func (s *StoreSink) Write(ctx context.Context, result *model.ScanResult) error {
	return s.storage.Save(ctx, result)
}

func (s *StoreSink) Durable() bool { return true }

func (s *StoreSink) Close() error { return nil }

// OpenWriter returns stdout for an empty path or "-", otherwise a created file.
func OpenWriter(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
