package tagger

import "sync"

// Entry maps a jsx id back to the source position of the element it tags.
type Entry struct {
	ID          string `json:"id"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Column      int    `json:"column"`
	ElementName string `json:"elementName"`
}

// SourceMap is the id-to-location map maintained across transforms. A
// re-transform of a file atomically replaces all entries recorded for it;
// readers observe either the old or the new set, never a torn entry.
type SourceMap struct {
	mu      sync.RWMutex
	entries map[string]Entry            // id -> entry
	byFile  map[string]map[string]bool  // file -> set of ids
}

// NewSourceMap creates an empty source map.
func NewSourceMap() *SourceMap {
	return &SourceMap{
		entries: make(map[string]Entry),
		byFile:  make(map[string]map[string]bool),
	}
}

// ReplaceFile drops every entry previously recorded for file and records the
// given entries in their place.
func (m *SourceMap) ReplaceFile(file string, entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.byFile[file] {
		delete(m.entries, id)
	}
	ids := make(map[string]bool, len(entries))
	for _, e := range entries {
		m.entries[e.ID] = e
		ids[e.ID] = true
	}
	m.byFile[file] = ids
}

// Lookup returns the entry for id, if recorded.
func (m *SourceMap) Lookup(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// ByFile returns all entries recorded for file.
func (m *SourceMap) ByFile(file string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for id := range m.byFile[file] {
		out = append(out, m.entries[id])
	}
	return out
}

// Snapshot returns a copy of the entire map.
func (m *SourceMap) Snapshot() map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Entry, len(m.entries))
	for id, e := range m.entries {
		out[id] = e
	}
	return out
}

// Len returns the number of recorded entries.
func (m *SourceMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
