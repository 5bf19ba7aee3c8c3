package output

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/IliaW/resource-scanner/internal/model"
)

// TextSink prints a human readable block per domain.
type TextSink struct {
	w io.WriteCloser
}

func NewTextSink(w io.WriteCloser) *TextSink {
	return &TextSink{w: w}
}

func (s *TextSink) Write(_ context.Context, result *model.ScanResult) error {
	var b strings.Builder
	if !result.Success {
		fmt.Fprintf(&b, "%s: FAILED after %d attempt(s): %s\n\n", result.Domain, result.Attempts, result.Error)
		_, err := io.WriteString(s.w, b.String())
		return err
	}

	external := 0
	for _, r := range result.Resources {
		if r.IsExternal {
			external++
		}
	}
	fmt.Fprintf(&b, "%s -> %s\n", result.Domain, result.FinalURL)
	fmt.Fprintf(&b, "  resources: %d (%d external)\n", len(result.Resources), external)
	for _, r := range result.Resources {
		marker := "int"
		if r.IsExternal {
			marker = "ext"
		}
		fmt.Fprintf(&b, "    [%s] %-10s %s\n", marker, r.Type, r.URL)
	}
	if result.SRI != nil {
		fmt.Fprintf(&b, "  sri: %d/%d with integrity\n", result.SRI.WithIntegrity, result.SRI.Total)
	}
	if tree := result.Dependencies; tree != nil {
		fmt.Fprintf(&b, "  first party: %d\n", len(tree.FirstParty))
		for _, host := range sortedKeys(tree.ThirdParty) {
			fmt.Fprintf(&b, "  third party %s: %d\n", host, len(tree.ThirdParty[host]))
		}
		for _, e := range tree.Edges() {
			fmt.Fprintf(&b, "  fourth party %s -> %s (%s) %s\n", e.ParentHost, e.Host, e.Confidence, e.URL)
		}
	}
	if result.ScreenshotPath != "" {
		fmt.Fprintf(&b, "  screenshot: %s\n", result.ScreenshotPath)
	}
	b.WriteString("\n")
	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *TextSink) Durable() bool { return false }

func (s *TextSink) Close() error { return s.w.Close() }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
