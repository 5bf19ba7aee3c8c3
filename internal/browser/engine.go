package browser

import (
	"context"
	"time"

	"github.com/IliaW/resource-scanner/internal/model"
)

// Engine launches isolated browsing sessions on a single browser process.
type Engine interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one isolated browser context: its own cookies, permissions and interception rules.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	// Reset closes open pages and clears cookies and permissions.
	Reset(ctx context.Context) error
	Close() error
}

// RequestEvent describes a finished network load. Timestamp is milliseconds since navigation start.
type RequestEvent struct {
	URL       string
	Type      model.ResourceType
	Timestamp float64
}

type Page interface {
	// OnRequest must be installed before Goto so early loads are not missed.
	OnRequest(fn func(RequestEvent))
	AddInitScript(ctx context.Context, script string) error
	Goto(ctx context.Context, url string, waitUntil model.WaitPolicy, timeout time.Duration) error
	URL(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, expression string, out any) error
	Screenshot(ctx context.Context, fullPage bool, quality int) ([]byte, error)
	Close() error
}
