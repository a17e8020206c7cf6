package bridge

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"zigbee-matter-bridge/internal/datamodel"
)

// DroppedCluster is a native cluster that was not exposed, with the reason.
type DroppedCluster struct {
	Cluster uint16 `json:"cluster"`
	Reason  string `json:"reason"`
}

// MappingEntry ties one native (device, endpoint) pair to a target endpoint.
type MappingEntry struct {
	ID         EndpointID           `json:"endpoint"`
	DeviceID   string               `json:"device"`
	Index      uint8                `json:"index"`
	Clusters   []uint32             `json:"clusters"`
	DeviceType datamodel.DeviceType `json:"device_type"`
	Dropped    []DroppedCluster     `json:"dropped,omitempty"`
}

// HasCluster reports whether the entry exposes a target cluster.
func (e MappingEntry) HasCluster(id uint32) bool {
	return slices.Contains(e.Clusters, id)
}

func (e MappingEntry) clone() MappingEntry {
	e.Clusters = slices.Clone(e.Clusters)
	e.Dropped = slices.Clone(e.Dropped)
	return e
}

// ClusterResolver maps a native cluster to the target cluster that exposes
// it, or explains why it cannot be exposed.
type ClusterResolver func(native uint16) (target uint32, reason string, ok bool)

type mapKey struct {
	device string
	index  uint8
}

// Mapper allocates and resolves target endpoint IDs.
//
// IDs are handed out first-fit from a counter that only grows, so an ID is
// never shared by two live entries and never reused after release. Writes
// come from the controller only; lookups are safe from any goroutine.
type Mapper struct {
	mu      sync.RWMutex
	next    EndpointID
	byID    map[EndpointID]*MappingEntry
	byKey   map[mapKey]EndpointID
	resolve ClusterResolver
}

// NewMapper creates an empty mapper.
func NewMapper(resolve ClusterResolver) *Mapper {
	return &Mapper{
		next:    FirstEndpoint,
		byID:    make(map[EndpointID]*MappingEntry),
		byKey:   make(map[mapKey]EndpointID),
		resolve: resolve,
	}
}

// Assign maps a native endpoint to a target endpoint. Clusters the resolver
// rejects are recorded in Dropped; local lists target clusters served by the
// bridge itself, added only when at least one native cluster maps.
// Re-assigning a known (device, endpoint) keeps its ID and refreshes the
// cluster set. ErrNoClusters means nothing on the endpoint can be exposed.
func (m *Mapper) Assign(deviceID string, index uint8, native []uint16, local ...uint32) (MappingEntry, error) {
	var (
		clusters []uint32
		dropped  []DroppedCluster
	)
	for _, c := range native {
		target, reason, ok := m.resolve(c)
		if !ok {
			dropped = append(dropped, DroppedCluster{Cluster: c, Reason: reason})
			continue
		}
		if !slices.Contains(clusters, target) {
			clusters = append(clusters, target)
		}
	}
	if len(clusters) == 0 {
		return MappingEntry{DeviceID: deviceID, Index: index, Dropped: dropped}, ErrNoClusters
	}
	for _, c := range local {
		if !slices.Contains(clusters, c) {
			clusters = append(clusters, c)
		}
	}
	slices.Sort(clusters)
	dt, ok := datamodel.ClassifyEndpoint(clusters)
	if !ok {
		dt = datamodel.DeviceTypeBridgedNode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := mapKey{deviceID, index}
	if id, ok := m.byKey[key]; ok {
		e := m.byID[id]
		e.Clusters = clusters
		e.Dropped = dropped
		e.DeviceType = dt
		return e.clone(), nil
	}

	if m.next == 0 {
		return MappingEntry{}, fmt.Errorf("endpoint id space exhausted: %w", ErrInvariant)
	}
	id := m.next
	if _, taken := m.byID[id]; taken {
		return MappingEntry{}, fmt.Errorf("endpoint %d already allocated: %w", id, ErrInvariant)
	}
	m.next++

	e := &MappingEntry{
		ID:         id,
		DeviceID:   deviceID,
		Index:      index,
		Clusters:   clusters,
		DeviceType: dt,
		Dropped:    dropped,
	}
	m.byID[id] = e
	m.byKey[key] = id
	return e.clone(), nil
}

// Resolve returns the native (device, endpoint) behind a target endpoint.
func (m *Mapper) Resolve(id EndpointID) (string, uint8, error) {
	e, err := m.Entry(id)
	if err != nil {
		return "", 0, err
	}
	return e.DeviceID, e.Index, nil
}

// Entry returns a copy of the entry for a target endpoint.
func (m *Mapper) Entry(id EndpointID) (MappingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return MappingEntry{}, fmt.Errorf("endpoint %d: %w", id, ErrNotFound)
	}
	return e.clone(), nil
}

// Lookup returns the entry for a native (device, endpoint) pair.
func (m *Mapper) Lookup(deviceID string, index uint8) (MappingEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[mapKey{deviceID, index}]
	if !ok {
		return MappingEntry{}, false
	}
	return m.byID[id].clone(), true
}

// DeviceEntries returns the entries of one device ordered by endpoint index.
func (m *Mapper) DeviceEntries(deviceID string) []MappingEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MappingEntry
	for k, id := range m.byKey {
		if k.device == deviceID {
			out = append(out, m.byID[id].clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Release drops the entry of a native endpoint. Its ID is not reused.
func (m *Mapper) Release(deviceID string, index uint8) (MappingEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mapKey{deviceID, index}
	id, ok := m.byKey[key]
	if !ok {
		return MappingEntry{}, false
	}
	e := m.byID[id]
	delete(m.byKey, key)
	delete(m.byID, id)
	return *e, true
}

// Entries returns all live entries ordered by ID.
func (m *Mapper) Entries() []MappingEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MappingEntry, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Next returns the ID the next allocation will use.
func (m *Mapper) Next() EndpointID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.next
}

// Restore loads persisted entries and the allocation high-water mark. The
// counter resumes past both the mark and every restored ID.
func (m *Mapper) Restore(entries []MappingEntry, next EndpointID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next > m.next {
		m.next = next
	}
	for _, e := range entries {
		if e.ID < FirstEndpoint {
			return fmt.Errorf("restore endpoint %d: reserved id: %w", e.ID, ErrInvariant)
		}
		if _, dup := m.byID[e.ID]; dup {
			return fmt.Errorf("restore endpoint %d: duplicate id: %w", e.ID, ErrInvariant)
		}
		key := mapKey{e.DeviceID, e.Index}
		if _, dup := m.byKey[key]; dup {
			return fmt.Errorf("restore %s/%d: duplicate endpoint: %w", e.DeviceID, e.Index, ErrInvariant)
		}
		cp := e.clone()
		m.byID[e.ID] = &cp
		m.byKey[key] = e.ID
		if e.ID >= m.next {
			m.next = e.ID + 1
		}
	}
	return nil
}
