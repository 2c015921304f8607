package archivestore

import (
	"sort"
	"sync"
)

// Memory holds fully loaded archives in memory, keyed by archive id.
// It is trimmed by the memory monitor under pressure.
type Memory struct {
	mu       sync.RWMutex
	archives map[string]memoryArchive
	bytes    int64
}

type memoryArchive struct {
	key  string
	data []byte
}

// NewMemory creates an empty in-memory archive cache.
func NewMemory() *Memory {
	return &Memory{archives: make(map[string]memoryArchive)}
}

// Set stores data as the content of key for archive id, replacing any earlier copy.
func (m *Memory) Set(id, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.archives[id]; ok {
		m.bytes -= int64(len(old.data))
	}
	m.archives[id] = memoryArchive{key: key, data: data}
	m.bytes += int64(len(data))
}

// Get returns the bytes held for key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.archives {
		if a.key == key {
			return a.data, true
		}
	}
	return nil, false
}

// Remove drops archive id.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.archives[id]; ok {
		m.bytes -= int64(len(old.data))
		delete(m.archives, id)
	}
}

// RetainOnly drops every archive except keep and returns how many were dropped.
func (m *Memory) RetainOnly(keep string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, a := range m.archives {
		if id == keep {
			continue
		}
		m.bytes -= int64(len(a.data))
		delete(m.archives, id)
		dropped++
	}
	return dropped
}

// Len returns the number of archives held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.archives)
}

// Bytes returns the total size of the archives held.
func (m *Memory) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// IDs returns the ids of the archives held, sorted.
func (m *Memory) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.archives))
	for id := range m.archives {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
