package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IliaW/resource-scanner/internal"
	"github.com/IliaW/resource-scanner/internal/browser"
	"github.com/IliaW/resource-scanner/internal/classifier"
	"github.com/IliaW/resource-scanner/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

type fakePage struct {
	events    []browser.RequestEvent
	finalURL  string
	gotoErr   error
	hang      bool
	evaluated map[string]any
	shot      []byte
	initErr   error

	onRequest func(browser.RequestEvent)
	scripts   []string
	closed    atomic.Bool
}

func (p *fakePage) OnRequest(fn func(browser.RequestEvent)) { p.onRequest = fn }

func (p *fakePage) AddInitScript(_ context.Context, script string) error {
	if p.initErr != nil {
		return p.initErr
	}
	p.scripts = append(p.scripts, script)
	return nil
}

func (p *fakePage) Goto(ctx context.Context, _ string, _ model.WaitPolicy, _ time.Duration) error {
	if p.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, ev := range p.events {
		if p.onRequest != nil {
			p.onRequest(ev)
		}
	}
	return p.gotoErr
}

func (p *fakePage) URL(context.Context) (string, error) { return p.finalURL, nil }

func (p *fakePage) Evaluate(_ context.Context, expression string, out any) error {
	v, ok := p.evaluated[expression]
	if !ok {
		return errors.New("ReferenceError")
	}
	raw, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(raw, out)
}

func (p *fakePage) Screenshot(context.Context, bool, int) ([]byte, error) { return p.shot, nil }

func (p *fakePage) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeSession struct {
	page   *fakePage
	resets atomic.Int32
}

func (s *fakeSession) NewPage(context.Context) (browser.Page, error) { return s.page, nil }

func (s *fakeSession) Reset(context.Context) error {
	s.resets.Add(1)
	return nil
}

func (s *fakeSession) Close() error { return nil }

type fakeEngine struct {
	session *fakeSession
}

func (e *fakeEngine) NewSession(context.Context) (browser.Session, error) { return e.session, nil }

func (e *fakeEngine) Close() error { return nil }

func newScanner(t *testing.T, page *fakePage, store ScreenshotStore) (*Scanner, *browser.Pool, *fakeSession) {
	t.Helper()
	session := &fakeSession{page: page}
	pool, err := browser.NewPool(context.Background(), &fakeEngine{session: session},
		browser.PoolOptions{Size: 1, MaxUses: 50, CreateAttempts: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	cls := classifier.New(classifier.Options{
		WindowMin:   5 * time.Millisecond,
		WindowMax:   300 * time.Millisecond,
		ParentTypes: []model.ResourceType{model.Script},
	})
	return NewScanner(pool, cls, store, ScreenshotOptions{Quality: 80}), pool, session
}

func task(domain string) *model.ScanTask {
	return &model.ScanTask{
		Domain:       domain,
		CaptureTypes: []model.ResourceType{model.Script, model.Stylesheet},
		WaitUntil:    model.WaitLoad,
		Timeout:      time.Second,
		DomResources: true,
		SRI:          true,
	}
}

func TestScan_CapturesAndLabelsResources(t *testing.T) {
	page := &fakePage{
		finalURL: "https://www.a.example/",
		events: []browser.RequestEvent{
			{URL: "https://www.a.example/", Type: model.Document, Timestamp: 0},
			{URL: "https://cdn.example/lib.js", Type: model.Script, Timestamp: 10},
			{URL: "https://www.a.example/site.css", Type: model.Stylesheet, Timestamp: 12},
			{URL: "https://cdn.example/lib.js", Type: model.Script, Timestamp: 40},
			{URL: "https://img.example/logo.png", Type: model.Image, Timestamp: 50},
		},
		evaluated: map[string]any{
			domResourcesExpression: []domElement{
				{URL: "https://cdn.example/lib.js", Type: model.Script, Integrity: "sha384-abc"},
				{URL: "https://www.a.example/late.js", Type: model.Script},
			},
		},
	}
	s, pool, session := newScanner(t, page, nil)

	result, err := s.Scan(context.Background(), task("a.example"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "https://www.a.example/", result.FinalURL)
	yes, no := true, false
	assert.Equal(t, []model.Resource{
		{URL: "https://cdn.example/lib.js", Type: model.Script, IsExternal: true, HasSRI: &yes},
		{URL: "https://www.a.example/site.css", Type: model.Stylesheet, IsExternal: false},
		{URL: "https://www.a.example/late.js", Type: model.Script, IsExternal: false, HasSRI: &no},
	}, result.Resources)
	require.NotNil(t, result.SRI)
	assert.Equal(t, 2, result.SRI.Total)
	assert.Equal(t, 1, result.SRI.WithIntegrity)
	assert.Equal(t, []string{"https://www.a.example/late.js"}, result.SRI.Missing)
	assert.Nil(t, result.Dependencies)
	assert.False(t, result.ScannedAt.IsZero())

	assert.True(t, page.closed.Load())
	assert.Equal(t, 1, pool.Idle(), "context must go back to the pool")
	assert.Equal(t, int32(1), session.resets.Load())
}

func TestScan_ExternalOnlyAndAllTypes(t *testing.T) {
	page := &fakePage{
		finalURL: "https://a.example/",
		events: []browser.RequestEvent{
			{URL: "https://a.example/app.js", Type: model.Script},
			{URL: "https://img.example/logo.png", Type: model.Image},
			{URL: "wss://live.example/socket", Type: model.WebSocket},
			{URL: "data:image/gif;base64,R0lGOD", Type: model.Image},
		},
	}
	s, _, _ := newScanner(t, page, nil)
	tk := task("a.example")
	tk.CaptureTypes = nil
	tk.ExternalOnly = true
	tk.DomResources = false
	tk.SRI = false

	result, err := s.Scan(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, []model.Resource{
		{URL: "https://img.example/logo.png", Type: model.Image, IsExternal: true},
		{URL: "wss://live.example/socket", Type: model.WebSocket, IsExternal: true},
	}, result.Resources)
	assert.Nil(t, result.SRI)
}

func TestScan_NavigationFailureReleasesContext(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		timeout bool
	}{
		{name: "timeout", err: context.DeadlineExceeded, timeout: true},
		{name: "dns", err: errors.New("net::ERR_NAME_NOT_RESOLVED")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &fakePage{gotoErr: tt.err}
			s, pool, _ := newScanner(t, page, nil)

			result, err := s.Scan(context.Background(), task("a.example"))
			assert.Nil(t, result)
			var navErr *NavigationError
			require.ErrorAs(t, err, &navErr)
			assert.Equal(t, tt.timeout, navErr.Timeout())
			assert.Equal(t, "https://a.example/", navErr.URL)
			if tt.timeout {
				assert.Contains(t, err.Error(), "timed out after 1s")
			} else {
				assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
			}
			assert.True(t, page.closed.Load())
			assert.Equal(t, 1, pool.Idle())
		})
	}
}

func TestScan_CancellationIsNotANavigationError(t *testing.T) {
	page := &fakePage{hang: true}
	s, pool, _ := newScanner(t, page, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Scan(ctx, task("a.example"))
	require.ErrorIs(t, err, context.Canceled)
	var navErr *NavigationError
	assert.False(t, errors.As(err, &navErr))
	assert.Equal(t, 1, pool.Idle())
}

func TestScan_InvalidDomain(t *testing.T) {
	s, pool, session := newScanner(t, &fakePage{}, nil)

	_, err := s.Scan(context.Background(), task("ftp://a.example"))
	require.ErrorIs(t, err, internal.ErrInvalidDomain)
	assert.Equal(t, 1, pool.Idle())
	assert.Equal(t, int32(0), session.resets.Load(), "no context is leased for an invalid domain")
}

func TestScan_Dependencies(t *testing.T) {
	page := &fakePage{
		finalURL: "https://a.example/",
		events: []browser.RequestEvent{
			{URL: "https://a.example/", Type: model.Document, Timestamp: 0},
			{URL: "https://cdn.example/lib.js", Type: model.Script, Timestamp: 20},
			{URL: "https://tracker.example/p.gif", Type: model.Image, Timestamp: 800},
		},
		evaluated: map[string]any{
			creationsExpression: []classifier.CreationRecord{{
				URL:       "https://tracker.example/p.gif",
				Type:      model.Image,
				Creators:  []string{"https://cdn.example/lib.js"},
				Timestamp: 790,
			}},
		},
	}
	s, _, _ := newScanner(t, page, nil)
	tk := task("a.example")
	tk.DomResources = false
	tk.SRI = false
	tk.Dependencies = true

	result, err := s.Scan(context.Background(), tk)
	require.NoError(t, err)
	require.Len(t, page.scripts, 1)
	assert.Equal(t, instrumentationScript, page.scripts[0])
	require.NotNil(t, result.Dependencies)
	assert.Empty(t, result.Dependencies.FirstParty)
	assert.Len(t, result.Dependencies.ThirdParty["cdn.example"], 1)
	edges := result.Dependencies.FourthParty["cdn.example"]["tracker.example"]
	require.Len(t, edges, 1)
	assert.Equal(t, model.ConfidenceHigh, edges[0].Confidence)
}

func TestScan_DependenciesWithoutInstrumentation(t *testing.T) {
	page := &fakePage{
		finalURL: "https://a.example/",
		initErr:  errors.New("unsupported"),
		events: []browser.RequestEvent{
			{URL: "https://cdn.example/lib.js", Type: model.Script, Timestamp: 20},
			{URL: "https://tracker.example/p.js", Type: model.Script, Timestamp: 60},
		},
	}
	s, _, _ := newScanner(t, page, nil)
	tk := task("a.example")
	tk.Dependencies = true

	result, err := s.Scan(context.Background(), tk)
	require.NoError(t, err)
	edges := result.Dependencies.FourthParty["cdn.example"]["tracker.example"]
	require.Len(t, edges, 1)
	assert.Equal(t, model.ConfidenceMedium, edges[0].Confidence)
}

func TestScan_Screenshot(t *testing.T) {
	dir := t.TempDir()
	page := &fakePage{finalURL: "https://a.example/", shot: pngHeader}
	s, _, _ := newScanner(t, page, &DirScreenshotStore{Dir: dir})
	tk := task("a.example")
	tk.Screenshot = true

	result, err := s.Scan(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.example.png"), result.ScreenshotPath)
	data, err := os.ReadFile(result.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestScreenshotName(t *testing.T) {
	assert.Equal(t, "a.example.png", ScreenshotName("A.example", pngHeader))
	assert.Equal(t, "https_a.example_path.jpg", ScreenshotName("https://a.example/path", []byte{0xff, 0xd8, 0xff, 0xe0}))
	assert.Equal(t, "page.jpg", ScreenshotName("///", nil))
}
