package capture

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ScreenshotStore persists a rendered page image and returns a reference to it (a file path or object key).
type ScreenshotStore interface {
	Save(ctx context.Context, domain string, image []byte) (string, error)
}

type DirScreenshotStore struct {
	Dir string
}

func (s *DirScreenshotStore) Save(_ context.Context, domain string, image []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(s.Dir, ScreenshotName(domain, image))
	if err := os.WriteFile(p, image, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

var unsafeName = regexp.MustCompile(`[^a-z0-9.-]+`)

// ScreenshotName derives a file name from the domain and the image format.
func ScreenshotName(domain string, image []byte) string {
	name := unsafeName.ReplaceAllString(strings.ToLower(strings.TrimSpace(domain)), "_")
	name = strings.Trim(name, "_.")
	if name == "" {
		name = "page"
	}
	if http.DetectContentType(image) == "image/png" {
		return name + ".png"
	}
	return name + ".jpg"
}
