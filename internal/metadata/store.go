package metadata

import (
	"sort"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type entry struct {
	meta *Metadata
	err  error
	gen  uint64 // changes on every load, so a stale refresh can be told apart
}

// Store holds the metadata of one extension, keyed by plugin id.
//
// A plugin is present from load to unload even when no metadata could be
// fetched. Values handed out are deep copies. Reads are lock-free; writes are
// serialized so conditional updates cannot resurrect a removed plugin.
type Store struct {
	extension string
	entries   cmap.ConcurrentMap[string, entry]

	mu      sync.Mutex
	nextGen atomic.Uint64
}

// NewStore creates an empty store for extension.
func NewStore(extension string) *Store {
	return &Store{extension: extension, entries: cmap.New[entry]()}
}

// Extension returns the extension this store serves.
func (s *Store) Extension() string { return s.extension }

// Put records m as the current metadata of m.PluginID.
// Put starts a new generation for the plugin.
func (s *Store) Put(m Metadata) {
	c := m.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Set(m.PluginID, entry{meta: &c, gen: s.nextGen.Add(1)})
}

// MarkPresent records pluginID as loaded without metadata. err is the fetch
// failure, if any.
func (s *Store) MarkPresent(pluginID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Set(pluginID, entry{err: err, gen: s.nextGen.Add(1)})
}

// Generation returns the current generation of pluginID.
func (s *Store) Generation(pluginID string) (uint64, bool) {
	e, ok := s.entries.Get(pluginID)
	return e.gen, ok
}

// PutIf replaces the metadata of m.PluginID only while the plugin is still
// at generation gen. It reports whether m was stored.
func (s *Store) PutIf(m Metadata, gen uint64) bool {
	c := m.Clone()
	return s.setIf(m.PluginID, gen, entry{meta: &c})
}

// MarkPresentIf is MarkPresent guarded like PutIf.
func (s *Store) MarkPresentIf(pluginID string, gen uint64, err error) bool {
	return s.setIf(pluginID, gen, entry{err: err})
}

func (s *Store) setIf(pluginID string, gen uint64, e entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries.Get(pluginID)
	if !ok || cur.gen != gen {
		return false
	}
	e.gen = gen
	s.entries.Set(pluginID, e)
	return true
}

// Get returns the metadata of pluginID. ok is false when the plugin is absent
// or has no metadata.
func (s *Store) Get(pluginID string) (Metadata, bool) {
	e, ok := s.entries.Get(pluginID)
	if !ok || e.meta == nil {
		return Metadata{}, false
	}
	return e.meta.Clone(), true
}

// Present reports whether pluginID is loaded, with or without metadata.
func (s *Store) Present(pluginID string) bool {
	return s.entries.Has(pluginID)
}

// Err returns the recorded fetch failure of pluginID, if any.
func (s *Store) Err(pluginID string) error {
	e, _ := s.entries.Get(pluginID)
	return e.err
}

// Remove forgets pluginID.
func (s *Store) Remove(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(pluginID)
}

// PluginIDs lists present plugins, sorted.
func (s *Store) PluginIDs() []string {
	ids := s.entries.Keys()
	sort.Strings(ids)
	return ids
}

// All returns copies of every stored metadata, sorted by plugin id.
func (s *Store) All() []Metadata {
	var out []Metadata
	for _, e := range s.entries.Items() {
		if e.meta != nil {
			out = append(out, e.meta.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}
