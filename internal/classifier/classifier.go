package classifier

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/IliaW/resource-scanner/internal"
	"github.com/IliaW/resource-scanner/internal/model"
	"github.com/patrickmn/go-cache"
)

const maxMemoizedHosts = 50_000

// CreationRecord is one entry collected by the page instrumentation: a resource URL, the script URLs on the
// call stack when it was created and the time since navigation start in milliseconds.
type CreationRecord struct {
	URL       string             `json:"url"`
	Type      model.ResourceType `json:"type"`
	Creators  []string           `json:"creators"`
	Timestamp float64            `json:"ts"`
}

type Options struct {
	WindowMin      time.Duration
	WindowMax      time.Duration
	ParentTypes    []model.ResourceType
	LeafExtensions []string
}

type Classifier struct {
	windowMin float64
	windowMax float64
	parents   map[model.ResourceType]bool
	leaves    map[string]bool
	hosts     *cache.Cache
}

func New(opts Options) *Classifier {
	c := &Classifier{
		windowMin: float64(opts.WindowMin) / float64(time.Millisecond),
		windowMax: float64(opts.WindowMax) / float64(time.Millisecond),
		parents:   make(map[model.ResourceType]bool, len(opts.ParentTypes)),
		leaves:    make(map[string]bool, len(opts.LeafExtensions)),
		// no janitor goroutine: expired entries are purged from Classify
		hosts: cache.New(10*time.Minute, 0),
	}
	for _, t := range opts.ParentTypes {
		c.parents[t] = true
	}
	for _, ext := range opts.LeafExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.leaves[ext] = true
	}
	return c
}

type tier int

const (
	thirdParty tier = iota
	firstParty
	fourthParty
)

type placement struct {
	tier       tier
	parentHost string
	parentURL  string
	confidence model.Confidence
	// attributed resources are skipped by the timing pass
	attributed bool
}

type entry struct {
	model.TreeResource
	host string
}

// Classify builds the ownership tree of one page visit. pageURL is the final URL after redirects; requests are
// finished loads in arrival order and creations come from the page instrumentation (may be empty).
func (c *Classifier) Classify(pageURL string, requests []model.TreeResource, creations []CreationRecord) *model.DependencyTree {
	if c.hosts.ItemCount() > maxMemoizedHosts {
		c.hosts.DeleteExpired()
	}
	anchor := internal.StripWWW(c.host(pageURL))
	tree := &model.DependencyTree{
		PageHost:        anchor,
		FirstParty:      []model.TreeResource{},
		ThirdParty:      map[string][]model.TreeResource{},
		FourthParty:     map[string]map[string][]model.FourthPartyResource{},
		DynamicCreation: map[string]model.Creation{},
	}

	entries := c.dedupe(pageURL, requests)
	placed := make(map[string]*placement, len(entries))
	for _, e := range entries {
		p := &placement{tier: thirdParty}
		if c.sameSite(e.host, anchor) {
			p.tier = firstParty
		}
		placed[e.URL] = p
	}

	byURL := mergeCreations(creations)

	// creator-confirmed attribution
	for _, e := range entries {
		rec, ok := byURL[e.URL]
		if !ok {
			continue
		}
		creatorURL, creatorHost := c.firstCreator(rec.Creators)
		if creatorHost == "" {
			continue
		}
		p := placed[e.URL]
		switch {
		case c.sameSite(creatorHost, anchor):
			*p = placement{tier: firstParty, attributed: true}
		case p.tier == firstParty:
			// a same-site resource stays first party whoever created it
		case creatorHost == e.host:
			p.attributed = true
		default:
			*p = placement{
				tier:       fourthParty,
				parentHost: creatorHost,
				parentURL:  creatorURL,
				confidence: model.ConfidenceHigh,
				attributed: true,
			}
		}
	}

	c.timingPass(entries, placed)

	for _, e := range entries {
		p := placed[e.URL]
		switch p.tier {
		case firstParty:
			tree.FirstParty = append(tree.FirstParty, e.TreeResource)
		case thirdParty:
			tree.ThirdParty[e.host] = append(tree.ThirdParty[e.host], e.TreeResource)
		case fourthParty:
			children, ok := tree.FourthParty[p.parentHost]
			if !ok {
				children = map[string][]model.FourthPartyResource{}
				tree.FourthParty[p.parentHost] = children
			}
			children[e.host] = append(children[e.host], model.FourthPartyResource{
				TreeResource: e.TreeResource,
				Confidence:   p.confidence,
				ParentURL:    p.parentURL,
			})
		}
	}

	// buckets are only created on insert, so hosts without edges never appear
	c.mergeDynamic(tree, anchor, byURL, placed)
	return tree
}

// dedupe drops inline, malformed and page-document URLs and keeps the earliest observation of each URL in
// first-seen order.
func (c *Classifier) dedupe(pageURL string, requests []model.TreeResource) []*entry {
	entries := make([]*entry, 0, len(requests))
	index := make(map[string]*entry, len(requests))
	for _, r := range requests {
		if internal.SameDocument(r.URL, pageURL) {
			continue
		}
		host := c.host(r.URL)
		if host == "" {
			continue
		}
		if e, ok := index[r.URL]; ok {
			if r.Timestamp < e.Timestamp {
				e.Timestamp = r.Timestamp
			}
			continue
		}
		e := &entry{TreeResource: r, host: host}
		index[r.URL] = e
		entries = append(entries, e)
	}
	return entries
}

// timingPass attributes third-party loads that start shortly after a third-party parent on another host. Each
// child goes to its earliest matching parent.
func (c *Classifier) timingPass(entries []*entry, placed map[string]*placement) {
	var parents []*entry
	for _, e := range entries {
		if placed[e.URL].tier == thirdParty && c.isParent(e) {
			parents = append(parents, e)
		}
	}
	if len(parents) == 0 {
		return
	}
	sort.SliceStable(parents, func(i, j int) bool { return parents[i].Timestamp < parents[j].Timestamp })

	for _, child := range entries {
		p := placed[child.URL]
		if p.tier != thirdParty || p.attributed {
			continue
		}
		for _, parent := range parents {
			if parent.host == child.host {
				continue
			}
			if child.Timestamp > parent.Timestamp+c.windowMin && child.Timestamp < parent.Timestamp+c.windowMax {
				*p = placement{
					tier:       fourthParty,
					parentHost: parent.host,
					parentURL:  parent.URL,
					confidence: model.ConfidenceMedium,
					attributed: true,
				}
				break
			}
		}
	}
}

// mergeDynamic records every instrumented creation and makes sure same-site creations are listed as first
// party even when no finished request was observed for them.
func (c *Classifier) mergeDynamic(tree *model.DependencyTree, anchor string, byURL map[string]*CreationRecord,
	placed map[string]*placement) {
	urls := make([]string, 0, len(byURL))
	for u := range byURL {
		urls = append(urls, u)
	}
	sort.Slice(urls, func(i, j int) bool {
		a, b := byURL[urls[i]], byURL[urls[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return urls[i] < urls[j]
	})

	for _, u := range urls {
		rec := byURL[u]
		host := c.host(u)
		if host == "" {
			continue
		}
		tree.DynamicCreation[u] = model.Creation{Creators: rec.Creators, Timestamp: rec.Timestamp}
		if _, seen := placed[u]; seen || !c.sameSite(host, anchor) {
			continue
		}
		rt := rec.Type
		if rt == "" {
			rt = model.Other
		}
		tree.FirstParty = append(tree.FirstParty, model.TreeResource{URL: u, Type: rt, Timestamp: rec.Timestamp})
		placed[u] = &placement{tier: firstParty, attributed: true}
	}
}

func (c *Classifier) isParent(e *entry) bool {
	if !c.parents[e.Type] {
		return false
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return false
	}
	return !c.leaves[strings.ToLower(path.Ext(u.Path))]
}

// firstCreator returns the first creator URL with a resolvable host. Later creators are kept only in
// DynamicCreation.
func (c *Classifier) firstCreator(creators []string) (string, string) {
	for _, cr := range creators {
		if h := c.host(cr); h != "" {
			return cr, h
		}
	}
	return "", ""
}

func (c *Classifier) sameSite(host, anchor string) bool {
	return anchor != "" && internal.StripWWW(host) == anchor
}

func (c *Classifier) host(rawURL string) string {
	if h, found := c.hosts.Get(rawURL); found {
		return h.(string)
	}
	h := internal.Hostname(rawURL)
	c.hosts.SetDefault(rawURL, h)
	return h
}

// mergeCreations keys creation records by URL. A URL created twice keeps its earliest timestamp and the union
// of creators in observation order.
func mergeCreations(creations []CreationRecord) map[string]*CreationRecord {
	byURL := make(map[string]*CreationRecord, len(creations))
	for i := range creations {
		rec := creations[i]
		if internal.IsInline(rec.URL) {
			continue
		}
		existing, ok := byURL[rec.URL]
		if !ok {
			cp := rec
			cp.Creators = append([]string(nil), rec.Creators...)
			byURL[rec.URL] = &cp
			continue
		}
		if rec.Timestamp < existing.Timestamp {
			existing.Timestamp = rec.Timestamp
		}
		for _, cr := range rec.Creators {
			if !contains(existing.Creators, cr) {
				existing.Creators = append(existing.Creators, cr)
			}
		}
	}
	return byURL
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
