package model

import "sort"

type Confidence string

const (
	// ConfidenceHigh edges are confirmed by DOM creation instrumentation.
	ConfidenceHigh Confidence = "high"
	// ConfidenceMedium edges are inferred from request timing.
	ConfidenceMedium Confidence = "medium"
)

type TreeResource struct {
	URL       string       `json:"url"`
	Type      ResourceType `json:"type"`
	Timestamp float64      `json:"timestamp_ms"`
}

type FourthPartyResource struct {
	TreeResource
	Confidence Confidence `json:"confidence"`
	ParentURL  string     `json:"parent_url,omitempty"`
}

type Creation struct {
	Creators  []string `json:"creators"`
	Timestamp float64  `json:"timestamp_ms"`
}

// DependencyTree splits a page's loads into ownership tiers. A URL is either in FirstParty or in at most one
// third/fourth party bucket, never both.
type DependencyTree struct {
	PageHost        string                                      `json:"page_host"`
	FirstParty      []TreeResource                              `json:"first_party"`
	ThirdParty      map[string][]TreeResource                   `json:"third_party"`
	FourthParty     map[string]map[string][]FourthPartyResource `json:"fourth_party"`
	DynamicCreation map[string]Creation                         `json:"dynamic_creation"`
}

// Edges flattens FourthParty for storage, ordered by parent host then host.
func (t *DependencyTree) Edges() []DependencyEdge {
	if t == nil {
		return nil
	}
	var edges []DependencyEdge
	for _, parent := range sortedKeys(t.FourthParty) {
		children := t.FourthParty[parent]
		for _, host := range sortedKeys(children) {
			for _, r := range children[host] {
				edges = append(edges, DependencyEdge{
					ParentHost: parent,
					Host:       host,
					URL:        r.URL,
					Confidence: r.Confidence,
				})
			}
		}
	}
	return edges
}

type DependencyEdge struct {
	ParentHost string
	Host       string
	URL        string
	Confidence Confidence
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
