package capture

import (
	"github.com/IliaW/resource-scanner/internal"
	"github.com/IliaW/resource-scanner/internal/model"
)

// resourceSet keeps captured loads unique by URL in first-seen order. The first declared type wins.
type resourceSet struct {
	order []string
	types map[string]model.ResourceType
	sri   map[string]bool
}

func newResourceSet() *resourceSet {
	return &resourceSet{
		types: make(map[string]model.ResourceType),
	}
}

func (s *resourceSet) add(u string, t model.ResourceType) {
	if internal.Hostname(u) == "" {
		return
	}
	if _, ok := s.types[u]; ok {
		return
	}
	if t == "" {
		t = model.Other
	}
	s.types[u] = t
	s.order = append(s.order, u)
}

// auditSRI counts script and stylesheet elements and remembers per URL whether any element carried an integrity
// attribute.
func (s *resourceSet) auditSRI(elements []domElement) *model.SRIReport {
	report := &model.SRIReport{Missing: []string{}}
	s.sri = make(map[string]bool, len(elements))
	for _, el := range elements {
		if internal.IsInline(el.URL) {
			continue
		}
		report.Total++
		has := el.Integrity != ""
		if has {
			report.WithIntegrity++
		} else {
			report.Missing = append(report.Missing, el.URL)
		}
		s.sri[el.URL] = s.sri[el.URL] || has
	}
	return report
}

func (s *resourceSet) resources(finalHost string, task *model.ScanTask) []model.Resource {
	out := make([]model.Resource, 0, len(s.order))
	for _, u := range s.order {
		t := s.types[u]
		if !task.Captures(t) {
			continue
		}
		r := model.Resource{
			URL:        u,
			Type:       t,
			IsExternal: internal.Hostname(u) != finalHost,
		}
		if task.ExternalOnly && !r.IsExternal {
			continue
		}
		if has, ok := s.sri[u]; ok {
			r.HasSRI = &has
		}
		out = append(out, r)
	}
	return out
}
