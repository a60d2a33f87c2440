package translate

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// IDMap maps backend tool-use ids to the public ids notifications carry.
// In the common case the public id is the backend id unchanged. When the
// backend reuses an id for a new call within the same turn, the new call
// gets a collision-resistant suffixed id and later lookups for that backend
// id route to the newest mapping. Mappings survive tool completion so that
// late updates still resolve; Clear drops everything at the next prompt.
type IDMap struct {
	mu      sync.Mutex
	current map[string]string
	issued  map[string]struct{}

	// newSuffix is injectable for deterministic tests.
	newSuffix func() string
}

// NewIDMap creates an empty id map.
func NewIDMap() *IDMap {
	return &IDMap{
		current: make(map[string]string),
		issued:  make(map[string]struct{}),
		newSuffix: func() string {
			return strings.SplitN(uuid.New().String(), "-", 2)[0]
		},
	}
}

// Acquire registers a new tool call under backendID and returns its public
// id. The first acquisition returns backendID itself; reuse mints a fresh
// suffixed id.
func (m *IDMap) Acquire(backendID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.issued[backendID]; !taken {
		m.current[backendID] = backendID
		m.issued[backendID] = struct{}{}
		return backendID
	}

	for {
		candidate := backendID + "-" + m.newSuffix()
		if _, dup := m.issued[candidate]; dup {
			continue
		}
		m.current[backendID] = candidate
		m.issued[candidate] = struct{}{}
		return candidate
	}
}

// Lookup returns the current public id for backendID.
func (m *IDMap) Lookup(backendID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.current[backendID]
	return id, ok
}

// Clear drops all mappings. Called at the start of each prompt turn.
func (m *IDMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = make(map[string]string)
	m.issued = make(map[string]struct{})
}
