package model

import (
	"strings"
	"time"
)

type ResourceType string

const (
	Script     ResourceType = "script"
	Stylesheet ResourceType = "stylesheet"
	Fetch      ResourceType = "fetch"
	XHR        ResourceType = "xhr"
	Image      ResourceType = "image"
	Font       ResourceType = "font"
	Media      ResourceType = "media"
	WebSocket  ResourceType = "websocket"
	Manifest   ResourceType = "manifest"
	Document   ResourceType = "document"
	Other      ResourceType = "other"
)

// ParseResourceType maps an engine or config label to a ResourceType. Unknown labels become Other.
func ParseResourceType(s string) ResourceType {
	switch t := ResourceType(strings.ToLower(strings.TrimSpace(s))); t {
	case Script, Stylesheet, Fetch, XHR, Image, Font, Media, WebSocket, Manifest, Document:
		return t
	case "iframe", "subdocument", "subframe":
		return Document
	default:
		return Other
	}
}

func ParseResourceTypes(ss []string) []ResourceType {
	types := make([]ResourceType, 0, len(ss))
	for _, s := range ss {
		types = append(types, ParseResourceType(s))
	}
	return types
}

type WaitPolicy string

const (
	WaitDOMContentLoaded WaitPolicy = "domcontentloaded"
	WaitLoad             WaitPolicy = "load"
	WaitNetworkIdle      WaitPolicy = "networkidle"
)

// ScanTask is immutable once enqueued.
type ScanTask struct {
	Domain       string
	CaptureTypes []ResourceType // empty means every type
	ExternalOnly bool
	WaitUntil    WaitPolicy
	Timeout      time.Duration
	DomResources bool
	Screenshot   bool
	SRI          bool
	Dependencies bool
}

// Captures reports whether resources of type t are kept by this task.
func (t *ScanTask) Captures(rt ResourceType) bool {
	if len(t.CaptureTypes) == 0 {
		return true
	}
	for _, c := range t.CaptureTypes {
		if c == rt {
			return true
		}
	}
	return false
}

type Resource struct {
	URL        string       `json:"url"`
	Type       ResourceType `json:"type"`
	IsExternal bool         `json:"is_external"`
	HasSRI     *bool        `json:"has_sri,omitempty"`
}

type SRIReport struct {
	Total         int      `json:"total"`
	WithIntegrity int      `json:"with_integrity"`
	Missing       []string `json:"missing,omitempty"`
}

// ScanResult is never mutated after the capture stage hands it over.
type ScanResult struct {
	Domain         string          `json:"domain"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	FinalURL       string          `json:"final_url,omitempty"`
	ScreenshotPath string          `json:"screenshot_path,omitempty"`
	Resources      []Resource      `json:"resources"`
	SRI            *SRIReport      `json:"sri,omitempty"`
	Dependencies   *DependencyTree `json:"dependencies,omitempty"`
	Attempts       int             `json:"attempts"`
	ScannedAt      time.Time       `json:"scanned_at"`
}

func FailedResult(domain string, err error, attempts int) *ScanResult {
	return &ScanResult{
		Domain:    domain,
		Success:   false,
		Error:     err.Error(),
		Resources: []Resource{},
		Attempts:  attempts,
		ScannedAt: time.Now().UTC(),
	}
}
