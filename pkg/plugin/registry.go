package plugin

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"

	xerrors "PluginHub/internal/errors"
)

// SortKey selects the ordering of search results.
type SortKey string

const (
	SortNone      SortKey = ""
	SortName      SortKey = "name"
	SortRating    SortKey = "rating"
	SortDownloads SortKey = "downloads"
	SortUpdated   SortKey = "updated"
	SortPrice     SortKey = "price"
)

// SearchFilters narrows a catalog search. Zero values disable a filter.
type SearchFilters struct {
	Category      string
	Tag           string
	Author        string
	MinRating     *float64
	MaxPrice      *float64
	Compatibility string
	SortBy        SortKey
	// Ascending flips the default descending order.
	Ascending bool
}

// Registry holds catalog entries and installed plugin records.
type Registry struct {
	mu sync.RWMutex

	catalog    []CatalogEntry
	position   map[string]int
	byCategory map[string][]string
	byTag      map[string][]string
	byAuthor   map[string][]string

	installed map[string]*InstalledPlugin
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		position:   make(map[string]int),
		byCategory: make(map[string][]string),
		byTag:      make(map[string][]string),
		byAuthor:   make(map[string][]string),
		installed:  make(map[string]*InstalledPlugin),
	}
}

// AddCatalogEntries merges entries into the catalog. Known ids are replaced
// in place; new ids are appended.
func (r *Registry) AddCatalogEntries(entries []CatalogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(entries)
}

// ReplaceCatalog discards the current catalog and loads entries.
func (r *Registry) ReplaceCatalog(entries []CatalogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = nil
	r.position = make(map[string]int, len(entries))
	r.addLocked(entries)
}

func (r *Registry) addLocked(entries []CatalogEntry) {
	for _, e := range entries {
		if pos, ok := r.position[e.ID]; ok {
			r.catalog[pos] = e.Clone()
			continue
		}
		r.position[e.ID] = len(r.catalog)
		r.catalog = append(r.catalog, e.Clone())
	}
	r.reindexLocked()
}

func (r *Registry) reindexLocked() {
	r.byCategory = make(map[string][]string)
	r.byTag = make(map[string][]string)
	r.byAuthor = make(map[string][]string)
	for _, e := range r.catalog {
		if e.Category != "" {
			r.byCategory[e.Category] = append(r.byCategory[e.Category], e.ID)
		}
		for _, tag := range e.Tags {
			r.byTag[tag] = append(r.byTag[tag], e.ID)
		}
		if e.Author != "" {
			r.byAuthor[e.Author] = append(r.byAuthor[e.Author], e.ID)
		}
	}
}

// Get returns the catalog entry for id.
func (r *Registry) Get(id string) (CatalogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.position[id]
	if !ok {
		return CatalogEntry{}, notFound("catalog entry", id)
	}
	return r.catalog[pos].Clone(), nil
}

// Catalog returns every entry in catalog order.
func (r *Registry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(r.catalog))
	for _, e := range r.catalog {
		out = append(out, e.Clone())
	}
	return out
}

// ByCategory returns the entries indexed under category.
func (r *Registry) ByCategory(category string) []CatalogEntry {
	return r.indexed(func() []string { return r.byCategory[category] })
}

// ByTag returns the entries indexed under tag.
func (r *Registry) ByTag(tag string) []CatalogEntry {
	return r.indexed(func() []string { return r.byTag[tag] })
}

// ByAuthor returns the entries indexed under author.
func (r *Registry) ByAuthor(author string) []CatalogEntry {
	return r.indexed(func() []string { return r.byAuthor[author] })
}

func (r *Registry) indexed(ids func() []string) []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CatalogEntry
	for _, id := range ids() {
		out = append(out, r.catalog[r.position[id]].Clone())
	}
	return out
}

// Search returns the catalog entries matching every whitespace separated
// term of query (case-insensitive, over name, description and tags) and
// all filters.
func (r *Registry) Search(query string, filters SearchFilters) []CatalogEntry {
	terms := strings.Fields(strings.ToLower(query))

	r.mu.RLock()
	results := make([]CatalogEntry, 0, len(r.catalog))
	for _, e := range r.catalog {
		if matchesTerms(e, terms) && matchesFilters(e, filters) {
			results = append(results, e.Clone())
		}
	}
	r.mu.RUnlock()

	if filters.SortBy != SortNone {
		sortEntries(results, filters.SortBy, filters.Ascending)
	}
	return results
}

func matchesTerms(e CatalogEntry, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(e.Name + " " + e.Description + " " + strings.Join(e.Tags, " "))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func matchesFilters(e CatalogEntry, f SearchFilters) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Tag != "" && !slices.Contains(e.Tags, f.Tag) {
		return false
	}
	if f.Author != "" && e.Author != f.Author {
		return false
	}
	if f.MinRating != nil && e.Rating < *f.MinRating {
		return false
	}
	if f.MaxPrice != nil && e.Price > *f.MaxPrice {
		return false
	}
	if f.Compatibility != "" && !slices.Contains(e.Compatibility, f.Compatibility) {
		return false
	}
	return true
}

func sortEntries(entries []CatalogEntry, key SortKey, ascending bool) {
	compare := func(a, b CatalogEntry) int {
		switch key {
		case SortName:
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case SortRating:
			return compareFloat(a.Rating, b.Rating)
		case SortDownloads:
			return compareFloat(float64(a.Downloads), float64(b.Downloads))
		case SortUpdated:
			return a.Updated().Compare(b.Updated())
		case SortPrice:
			return compareFloat(a.Price, b.Price)
		}
		return 0
	}
	sort.SliceStable(entries, func(i, j int) bool {
		c := compare(entries[i], entries[j])
		if ascending {
			return c < 0
		}
		return c > 0
	})
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Recommendations scores every other catalog entry against id and returns
// the best limit matches. Same category scores 10, each shared tag 2, same
// author 5, and closer ratings up to 2.5.
func (r *Registry) Recommendations(id string, limit int) ([]CatalogEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.position[id]
	if !ok {
		return nil, notFound("catalog entry", id)
	}
	target := r.catalog[pos]

	type scored struct {
		entry CatalogEntry
		score float64
	}
	var candidates []scored
	for _, e := range r.catalog {
		if e.ID == id {
			continue
		}
		if score := similarity(target, e); score > 0 {
			candidates = append(candidates, scored{entry: e, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	out := make([]CatalogEntry, 0, min(limit, len(candidates)))
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		out = append(out, c.entry.Clone())
	}
	return out, nil
}

func similarity(a, b CatalogEntry) float64 {
	var score float64
	if a.Category != "" && a.Category == b.Category {
		score += 10
	}
	for _, tag := range a.Tags {
		if slices.Contains(b.Tags, tag) {
			score += 2
		}
	}
	if a.Author != "" && a.Author == b.Author {
		score += 5
	}
	score += (5 - math.Abs(a.Rating-b.Rating)) * 0.5
	return score
}

// RecordInstalled adds an installed record; the id must not be present.
func (r *Registry) RecordInstalled(p InstalledPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.Descriptor.ID
	if _, ok := r.installed[id]; ok {
		return xerrors.New(CodeAlreadyInstalled, "plugin "+id+" is already installed", xerrors.WithMetadata("plugin_id", id))
	}
	rec := p.clone()
	r.installed[id] = &rec
	r.order = append(r.order, id)
	return nil
}

// InstalledIndex returns id's position in installation order, or -1.
func (r *Registry) InstalledIndex(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Index(r.order, id)
}

// MoveInstalled moves id to index in installation order, clamped to the
// current bounds.
func (r *Registry) MoveInstalled(id string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := slices.Index(r.order, id)
	if from < 0 {
		return notFound("installed plugin", id)
	}
	r.order = slices.Delete(r.order, from, from+1)
	index = max(0, min(index, len(r.order)))
	r.order = slices.Insert(r.order, index, id)
	return nil
}

// RemoveInstalled drops the installed record for id and returns it.
func (r *Registry) RemoveInstalled(id string) (InstalledPlugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.installed[id]
	if !ok {
		return InstalledPlugin{}, notFound("installed plugin", id)
	}
	delete(r.installed, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	return *rec, nil
}

// SetActive updates the active flag and reports whether it changed.
func (r *Registry) SetActive(id string, active bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.installed[id]
	if !ok {
		return false, notFound("installed plugin", id)
	}
	if rec.Active == active {
		return false, nil
	}
	rec.Active = active
	return true, nil
}

// IsInstalled reports whether id has an installed record.
func (r *Registry) IsInstalled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.installed[id]
	return ok
}

// Installed returns the installed record for id.
func (r *Registry) Installed(id string) (InstalledPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.installed[id]
	if !ok {
		return InstalledPlugin{}, notFound("installed plugin", id)
	}
	return rec.clone(), nil
}

// ListInstalled returns installed records in installation order.
func (r *Registry) ListInstalled() []InstalledPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstalledPlugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.installed[id].clone())
	}
	return out
}

// Dependents returns the installed plugins that depend on id, in
// installation order.
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, other := range r.order {
		if other == id {
			continue
		}
		if r.installed[other].Descriptor.DependsOn(id) {
			out = append(out, other)
		}
	}
	return out
}
