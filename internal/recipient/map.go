package recipient

import "sort"

// Map holds resolved recipient identifiers per source, preserving resolution order
type Map struct {
	order []string
	ids   map[string][]string
	seen  map[string]map[string]bool
}

func NewMap() *Map {
	return &Map{
		ids:  make(map[string][]string),
		seen: make(map[string]map[string]bool),
	}
}

// FromStored rebuilds a map from its persisted form. Sources are ordered by identifier.
func FromStored(stored map[string][]string) *Map {
	m := NewMap()
	keys := make([]string, 0, len(stored))
	for k := range stored {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, id := range stored[k] {
			m.Add(k, id)
		}
	}
	return m
}

// Add appends id to source unless it is already present
func (m *Map) Add(source, id string) {
	s, ok := m.seen[source]
	if !ok {
		s = make(map[string]bool)
		m.seen[source] = s
		m.order = append(m.order, source)
	}
	if s[id] {
		return
	}
	s[id] = true
	m.ids[source] = append(m.ids[source], id)
}

// Merge adds all entries of other
func (m *Map) Merge(other *Map) {
	for _, src := range other.order {
		for _, id := range other.ids[src] {
			m.Add(src, id)
		}
	}
}

// Sources returns source identifiers in first-seen order
func (m *Map) Sources() []string {
	return append([]string(nil), m.order...)
}

// IDs returns the identifiers of one source
func (m *Map) IDs(source string) []string {
	return m.ids[source]
}

// Total counts all identifiers
func (m *Map) Total() int {
	n := 0
	for _, ids := range m.ids {
		n += len(ids)
	}
	return n
}

// Stored returns the persisted form
func (m *Map) Stored() map[string][]string {
	out := make(map[string][]string, len(m.ids))
	for k, v := range m.ids {
		out[k] = append([]string(nil), v...)
	}
	return out
}
