package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/resource-scanner/internal/model"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

type ChromeOptions struct {
	Headless        bool
	UserAgent       string
	ViewportWidth   int64
	ViewportHeight  int64
	IgnoreTLSErrors bool
	ExecPath        string
	Args            []string
	BlockTypes      []model.ResourceType
}

// ChromeEngine drives one Chrome process. Every Session is its own incognito browser context.
type ChromeEngine struct {
	opts          ChromeOptions
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func NewChromeEngine(opts ChromeOptions) (*ChromeEngine, error) {
	slog.Info("launching browser...", slog.Bool("headless", opts.Headless))
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, cancelStart := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancelStart()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}
	slog.Info("browser launched!")

	return &ChromeEngine{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func allocatorOptions(opts ChromeOptions) []chromedp.ExecAllocatorOption {
	allocOpts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+8)
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		allocOpts = append(allocOpts, opt)
	}
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("ignore-certificate-errors", opts.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(int(opts.ViewportWidth), int(opts.ViewportHeight)),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if runtime.GOOS == "linux" {
		allocOpts = append(allocOpts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	for _, arg := range opts.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			allocOpts = append(allocOpts, chromedp.Flag(name, parts[1]))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		}
	}
	return allocOpts
}

// NewSession creates an incognito browser context without opening a tab. Tabs exist only while a visit holds
// them, so Reset leaves the context empty.
func (e *ChromeEngine) NewSession(ctx context.Context) (Session, error) {
	c := chromedp.FromContext(e.browserCtx)
	if c == nil || c.Browser == nil || e.browserCtx.Err() != nil {
		return nil, errors.New("browser is gone")
	}
	runCtx, cancelRun := context.WithTimeout(ctx, 30*time.Second)
	defer cancelRun()
	id, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(cdp.WithExecutor(runCtx, c.Browser))
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	sessionCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithExistingBrowserContext(id))

	return &chromeSession{
		ctx:     sessionCtx,
		cancel:  cancel,
		id:      id,
		browser: c.Browser,
		opts:    e.opts,
		pages:   make(map[*chromePage]struct{}),
	}, nil
}

func (e *ChromeEngine) Close() error {
	slog.Info("closing browser.")
	e.browserCancel()
	e.allocCancel()
	return nil
}

type chromeSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	id      cdp.BrowserContextID
	browser *chromedp.Browser
	opts    ChromeOptions

	mu    sync.Mutex
	pages map[*chromePage]struct{}
}

func (s *chromeSession) NewPage(ctx context.Context) (Page, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser context is gone: %w", err)
	}
	pageCtx, cancel := chromedp.NewContext(s.ctx)
	p := &chromePage{ctx: pageCtx, cancel: cancel, session: s, requests: make(map[network.RequestID]pending)}
	p.listen()

	setup := chromedp.Tasks{
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.EmulateViewport(s.opts.ViewportWidth, s.opts.ViewportHeight),
	}
	if len(s.opts.BlockTypes) > 0 {
		patterns := make([]*fetch.RequestPattern, 0, len(s.opts.BlockTypes))
		for _, t := range s.opts.BlockTypes {
			patterns = append(patterns, &fetch.RequestPattern{URLPattern: "*", ResourceType: cdpResourceType(t)})
		}
		setup = append(setup, fetch.Enable().WithPatterns(patterns))
	}
	if err := p.run(ctx, setup); err != nil {
		cancel()
		return nil, err
	}

	s.mu.Lock()
	s.pages[p] = struct{}{}
	s.mu.Unlock()
	return p, nil
}

func (s *chromeSession) Reset(ctx context.Context) error {
	s.closePages()
	if s.ctx.Err() != nil {
		return errors.New("browser context is gone")
	}
	execCtx := cdp.WithExecutor(ctx, s.browser)
	if err := storage.ClearCookies().WithBrowserContextID(s.id).Do(execCtx); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	if err := cdpbrowser.ResetPermissions().WithBrowserContextID(s.id).Do(execCtx); err != nil {
		return fmt.Errorf("reset permissions: %w", err)
	}
	return nil
}

// Close closes the remaining tabs and disposes the browser context.
func (s *chromeSession) Close() error {
	s.closePages()
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := target.DisposeBrowserContext(s.id).Do(cdp.WithExecutor(ctx, s.browser)); err != nil {
		return fmt.Errorf("dispose browser context: %w", err)
	}
	return nil
}

func (s *chromeSession) closePages() {
	s.mu.Lock()
	pages := make([]*chromePage, 0, len(s.pages))
	for p := range s.pages {
		pages = append(pages, p)
	}
	s.mu.Unlock()
	for _, p := range pages {
		_ = p.Close()
	}
}

type pending struct {
	url       string
	kind      model.ResourceType
	timestamp float64
}

type chromePage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	session *chromeSession

	mu        sync.Mutex
	navStart  time.Time
	requests  map[network.RequestID]pending
	onRequest func(RequestEvent)
	closeOnce sync.Once
}

func (p *chromePage) listen() {
	p.navStart = time.Now()
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			p.mu.Lock()
			p.requests[e.RequestID] = pending{
				url:       e.Request.URL,
				kind:      resourceType(e.Type),
				timestamp: float64(time.Since(p.navStart).Microseconds()) / 1000,
			}
			p.mu.Unlock()
		case *network.EventLoadingFinished:
			p.mu.Lock()
			r, ok := p.requests[e.RequestID]
			delete(p.requests, e.RequestID)
			fn := p.onRequest
			p.mu.Unlock()
			if ok && fn != nil {
				fn(RequestEvent{URL: r.url, Type: r.kind, Timestamp: r.timestamp})
			}
		case *network.EventLoadingFailed:
			p.mu.Lock()
			delete(p.requests, e.RequestID)
			p.mu.Unlock()
		case *network.EventWebSocketCreated:
			p.mu.Lock()
			fn := p.onRequest
			ts := float64(time.Since(p.navStart).Microseconds()) / 1000
			p.mu.Unlock()
			if fn != nil {
				fn(RequestEvent{URL: e.URL, Type: model.WebSocket, Timestamp: ts})
			}
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(p.ctx, fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient))
			}()
		}
	})
}

func (p *chromePage) OnRequest(fn func(RequestEvent)) {
	p.mu.Lock()
	p.onRequest = fn
	p.mu.Unlock()
}

func (p *chromePage) AddInitScript(ctx context.Context, script string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

func (p *chromePage) Goto(ctx context.Context, url string, waitUntil model.WaitPolicy, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.mu.Lock()
	p.navStart = time.Now()
	p.mu.Unlock()
	return p.run(tctx, navigateAndWaitFor(url, lifecycleEvent(waitUntil)))
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expression, out))
}

func (p *chromePage) Screenshot(ctx context.Context, fullPage bool, quality int) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, quality)
	}
	err := p.run(ctx, action)
	return buf, err
}

func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
		p.session.mu.Lock()
		delete(p.session.pages, p)
		p.session.mu.Unlock()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// run executes actions on the tab while honouring the caller's cancellation and deadline.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		events := make(chan *page.EventLifecycleEvent, 64)
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(lctx, func(ev interface{}) {
			if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == eventName {
				select {
				case events <- e:
				default:
				}
			}
		})

		_, loaderID, errorText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return errors.New(errorText)
		}
		return waitFor(ctx, events, loaderID)
	}
}

func waitFor(ctx context.Context, events <-chan *page.EventLifecycleEvent, loaderID cdp.LoaderID) error {
	for {
		select {
		case e := <-events:
			if loaderID == "" || e.LoaderID == loaderID {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func lifecycleEvent(w model.WaitPolicy) string {
	switch w {
	case model.WaitDOMContentLoaded:
		return "DOMContentLoaded"
	case model.WaitNetworkIdle:
		return "networkIdle"
	default:
		return "load"
	}
}

func resourceType(t network.ResourceType) model.ResourceType {
	switch t {
	case network.ResourceTypeScript:
		return model.Script
	case network.ResourceTypeStylesheet:
		return model.Stylesheet
	case network.ResourceTypeFetch:
		return model.Fetch
	case network.ResourceTypeXHR:
		return model.XHR
	case network.ResourceTypeImage:
		return model.Image
	case network.ResourceTypeFont:
		return model.Font
	case network.ResourceTypeMedia:
		return model.Media
	case network.ResourceTypeWebSocket:
		return model.WebSocket
	case network.ResourceTypeManifest:
		return model.Manifest
	case network.ResourceTypeDocument:
		return model.Document
	default:
		return model.Other
	}
}

func cdpResourceType(t model.ResourceType) network.ResourceType {
	switch t {
	case model.Script:
		return network.ResourceTypeScript
	case model.Stylesheet:
		return network.ResourceTypeStylesheet
	case model.Fetch:
		return network.ResourceTypeFetch
	case model.XHR:
		return network.ResourceTypeXHR
	case model.Image:
		return network.ResourceTypeImage
	case model.Font:
		return network.ResourceTypeFont
	case model.Media:
		return network.ResourceTypeMedia
	case model.WebSocket:
		return network.ResourceTypeWebSocket
	case model.Manifest:
		return network.ResourceTypeManifest
	case model.Document:
		return network.ResourceTypeDocument
	default:
		return network.ResourceTypeOther
	}
}
