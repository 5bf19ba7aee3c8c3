package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/resource-scanner/internal"
	"github.com/IliaW/resource-scanner/internal/browser"
	"github.com/IliaW/resource-scanner/internal/classifier"
	"github.com/IliaW/resource-scanner/internal/model"
)

// Leaser hands out browser contexts. *browser.Pool implements it.
type Leaser interface {
	Acquire(ctx context.Context) (*browser.Context, error)
	Release(ctx context.Context, c *browser.Context)
}

type ScreenshotOptions struct {
	FullPage bool
	Quality  int
}

type Scanner struct {
	pool        Leaser
	classifier  *classifier.Classifier
	screenshots ScreenshotStore
	shot        ScreenshotOptions
}

// NewScanner wires the capture stage. classifier and screenshots may be nil when the matching task toggles are
// never set.
func NewScanner(pool Leaser, cls *classifier.Classifier, screenshots ScreenshotStore, shot ScreenshotOptions) *Scanner {
	return &Scanner{
		pool:        pool,
		classifier:  cls,
		screenshots: screenshots,
		shot:        shot,
	}
}

type domElement struct {
	URL       string             `json:"url"`
	Type      model.ResourceType `json:"type"`
	Integrity string             `json:"integrity"`
}

// Scan visits one domain on a leased context. The context is released on every path. A failed page load is
// returned as *NavigationError; cancellation of ctx is returned as ctx.Err().
func (s *Scanner) Scan(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error) {
	target, err := internal.NormalizeURL(task.Domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, task.Domain)
	}

	bc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(ctx, bc)

	page, err := bc.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := page.Close(); err != nil {
			slog.Debug("failed to close page.", slog.String("domain", task.Domain), slog.String("err", err.Error()))
		}
	}()

	rec := new(recorder)
	page.OnRequest(rec.add)

	instrumented := false
	if task.Dependencies {
		if err = page.AddInitScript(ctx, instrumentationScript); err != nil {
			slog.Warn("creation instrumentation unavailable, using timing heuristics only.",
				slog.String("domain", task.Domain), slog.String("err", err.Error()))
		} else {
			instrumented = true
		}
	}

	slog.Debug("navigating.", slog.String("url", target), slog.String("wait_until", string(task.WaitUntil)))
	if err = page.Goto(ctx, target, task.WaitUntil, task.Timeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NavigationError{URL: target, Limit: task.Timeout, Err: err}
	}

	finalURL, err := page.URL(ctx)
	if err != nil || finalURL == "" {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("failed to resolve the final url.", slog.String("domain", task.Domain))
		finalURL = target
	}
	finalHost := internal.Hostname(finalURL)

	requests := rec.snapshot()
	set := newResourceSet()
	for _, r := range requests {
		if internal.SameDocument(r.URL, finalURL) || internal.SameDocument(r.URL, target) {
			continue
		}
		set.add(r.URL, r.Type)
	}

	var elements []domElement
	if task.DomResources || task.SRI {
		if err = page.Evaluate(ctx, domResourcesExpression, &elements); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("failed to query dom resources.", slog.String("domain", task.Domain),
				slog.String("err", err.Error()))
		}
	}
	if task.DomResources {
		for _, el := range elements {
			set.add(el.URL, el.Type)
		}
	}

	result := &model.ScanResult{
		Domain:   task.Domain,
		Success:  true,
		FinalURL: finalURL,
	}
	if task.SRI {
		result.SRI = set.auditSRI(elements)
	}
	result.Resources = set.resources(finalHost, task)

	if task.Dependencies && s.classifier != nil {
		var creations []classifier.CreationRecord
		if instrumented {
			if err = page.Evaluate(ctx, creationsExpression, &creations); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				slog.Warn("failed to read creation records.", slog.String("domain", task.Domain),
					slog.String("err", err.Error()))
			}
		}
		result.Dependencies = s.classifier.Classify(finalURL, treeResources(requests), creations)
	}

	if task.Screenshot && s.screenshots != nil {
		result.ScreenshotPath = s.screenshot(ctx, page, task.Domain)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	result.ScannedAt = time.Now().UTC()
	return result, nil
}

// screenshot failures are logged and leave the reference empty.
func (s *Scanner) screenshot(ctx context.Context, page browser.Page, domain string) string {
	image, err := page.Screenshot(ctx, s.shot.FullPage, s.shot.Quality)
	if err != nil {
		slog.Warn("failed to capture screenshot.", slog.String("domain", domain), slog.String("err", err.Error()))
		return ""
	}
	ref, err := s.screenshots.Save(ctx, domain, image)
	if err != nil {
		slog.Warn("failed to save screenshot.", slog.String("domain", domain), slog.String("err", err.Error()))
		return ""
	}
	return ref
}

type recorder struct {
	mu       sync.Mutex
	requests []browser.RequestEvent
}

func (r *recorder) add(ev browser.RequestEvent) {
	r.mu.Lock()
	r.requests = append(r.requests, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []browser.RequestEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]browser.RequestEvent(nil), r.requests...)
}

func treeResources(events []browser.RequestEvent) []model.TreeResource {
	out := make([]model.TreeResource, 0, len(events))
	for _, ev := range events {
		out = append(out, model.TreeResource{URL: ev.URL, Type: ev.Type, Timestamp: ev.Timestamp})
	}
	return out
}
