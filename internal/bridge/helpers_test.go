package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/datamodel"
	"zigbee-matter-bridge/internal/datamodel/clusters"
	"zigbee-matter-bridge/internal/ncp"
	"zigbee-matter-bridge/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Manufacturer-specific shade cluster used to exercise enum round trips.
const (
	nativeShade  uint16 = 0xFC00
	clusterShade uint32 = 0xFC00_0001

	shadeMode     uint16 = 0x0000
	shadePosition uint16 = 0x0001
)

func init() {
	codec.RegisterEnum(codec.NewEnum("Shade.ModeEnum",
		codec.Label{Name: "Up", Value: 0},
		codec.Label{Name: "Down", Value: 1},
	))
}

var shadeCluster = datamodel.ClusterDef{
	ID:   clusterShade,
	Name: "Shade",
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "Mode", Type: "Shade.ModeEnum", Access: datamodel.AccessRead | datamodel.AccessWrite | datamodel.AccessReport},
		{ID: 0x0001, Name: "Position", Type: "percent", Access: datamodel.AccessRead | datamodel.AccessReport},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "Stop"},
		{ID: 0x01, Name: "GoTo", Fields: []datamodel.FieldDef{
			{Name: "Position", Type: "percent"},
			{Name: "Speed", Type: "uint8", Optional: true, Range: datamodel.Bounds(1, 10)},
		}},
	},
}

var shadeBinding = ClusterBinding{
	Native: nativeShade, Target: clusterShade,
	Attributes: []AttributeBinding{
		{Native: shadeMode, Attribute: 0x0000},
		{Native: shadePosition, Attribute: 0x0001},
	},
	Commands: []CommandBinding{
		{Command: 0x00, Native: 0x00},
		{Command: 0x01, Native: 0x01, Fields: fields("Position", "position", "Speed", "speed")},
	},
}

func newTestSchema() *datamodel.Registry {
	reg := datamodel.NewRegistry(newTestLogger())
	for _, c := range clusters.Standard {
		reg.Register(c)
	}
	reg.Register(shadeCluster)
	return reg
}

func newTestTranslator() *Translator {
	return NewTranslator(newTestSchema(), StandardBindings, []ClusterBinding{shadeBinding})
}

// Devices used across tests.

func lightInfo(ieee string) ncp.DeviceInfo {
	return ncp.DeviceInfo{
		IEEEAddress:  ieee,
		Manufacturer: "IKEA of Sweden",
		Model:        "TRADFRI bulb E27 WS opal 980lm",
		SWBuildID:    "2.3.087",
		Endpoints: []ncp.Endpoint{{
			ID: 1, ProfileID: 0x0104, DeviceID: 0x0101,
			Clusters: []ncp.Cluster{
				{ID: 0x0006, Attributes: []uint16{0x0000}, Commands: []uint8{0x00, 0x01, 0x02}},
				{ID: 0x0008, Attributes: []uint16{0x0000, 0x0011}, Commands: []uint8{0x00, 0x04}},
				{ID: 0x0B04}, // electrical measurement, not bridged
			},
		}},
	}
}

func shadeInfo(ieee string) ncp.DeviceInfo {
	return ncp.DeviceInfo{
		IEEEAddress:  ieee,
		Manufacturer: "Acme",
		Model:        "Shade-1",
		Endpoints: []ncp.Endpoint{
			{ID: 1, ProfileID: 0x0104, Clusters: []ncp.Cluster{
				{ID: nativeShade, Attributes: []uint16{shadeMode, shadePosition}, Commands: []uint8{0x00, 0x01}},
			}},
			{ID: 2, ProfileID: 0x0104, Clusters: []ncp.Cluster{
				{ID: 0x0402, Attributes: []uint16{0x0000}},
			}},
		},
	}
}

// --- memStore ---

type memStore struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	mappings map[uint16]*store.Mapping
	next     uint16
	hasNext  bool
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[string]*store.Device),
		mappings: make(map[uint16]*store.Mapping),
	}
}

func cloneDevice(d *store.Device) *store.Device {
	data, _ := json.Marshal(d)
	var cp store.Device
	_ = json.Unmarshal(data, &cp)
	return &cp
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.IEEEAddress] = cloneDevice(dev)
	return nil
}

func (m *memStore) GetDevice(ieee string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDevice(d), nil
}

func (m *memStore) DeleteDevice(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, ieee)
	return nil
}

func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, cloneDevice(d))
	}
	return out, nil
}

func (m *memStore) UpdateDevice(ieee string, fn func(dev *store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return store.ErrNotFound
	}
	cp := cloneDevice(d)
	if err := fn(cp); err != nil {
		return err
	}
	m.devices[ieee] = cp
	return nil
}

func (m *memStore) SaveMapping(mp *store.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mp
	m.mappings[mp.EndpointID] = &cp
	return nil
}

func (m *memStore) DeleteMapping(endpointID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, endpointID)
	return nil
}

func (m *memStore) ListMappings() ([]*store.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Mapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		cp := *mp
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SaveNextEndpointID(next uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next, m.hasNext = next, true
	return nil
}

func (m *memStore) GetNextEndpointID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasNext {
		return 0, store.ErrNotFound
	}
	return m.next, nil
}

func (m *memStore) Close() error { return nil }

// --- fakeNCP ---

type valueKey struct {
	ieee    string
	ep      uint8
	cluster uint16
	attr    uint16
}

// fakeNCP is a scripted gateway. Native calls block on gate while it is
// non-nil, honouring ctx.
type fakeNCP struct {
	mu       sync.Mutex
	devices  []ncp.DeviceInfo
	values   map[valueKey]json.RawMessage
	readErr  error
	writeErr error
	sendErr  error
	gate     chan struct{}
	commands []ncp.ClusterCommandRequest
	writes   []ncp.WriteAttributeRequest
	subs     map[string]chan ncp.AttributeReportEvent

	onJoined func(ncp.DeviceJoinedEvent)
	onLeft   func(ncp.DeviceLeftEvent)
	onAvail  func(ncp.AvailabilityEvent)
}

func newFakeNCP(devices ...ncp.DeviceInfo) *fakeNCP {
	return &fakeNCP{
		devices: devices,
		values:  make(map[valueKey]json.RawMessage),
		subs:    make(map[string]chan ncp.AttributeReportEvent),
	}
}

func (f *fakeNCP) setValue(ieee string, ep uint8, cluster, attr uint16, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[valueKey{ieee, ep, cluster, attr}] = json.RawMessage(raw)
}

func (f *fakeNCP) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeNCP) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeNCP) Devices(ctx context.Context) ([]ncp.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ncp.DeviceInfo(nil), f.devices...), nil
}

func (f *fakeNCP) ReadAttributes(ctx context.Context, req ncp.ReadAttributesRequest) ([]ncp.AttributeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]ncp.AttributeResponse, 0, len(req.AttrIDs))
	for _, a := range req.AttrIDs {
		raw, ok := f.values[valueKey{req.IEEEAddress, req.Endpoint, req.ClusterID, a}]
		if !ok {
			out = append(out, ncp.AttributeResponse{AttrID: a, Status: ncp.StatusUnsupportedAttribute})
			continue
		}
		out = append(out, ncp.AttributeResponse{AttrID: a, Status: ncp.StatusSuccess, Value: raw})
	}
	return out, nil
}

func (f *fakeNCP) WriteAttribute(ctx context.Context, req ncp.WriteAttributeRequest) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	return f.writeErr
}

func (f *fakeNCP) SendCommand(ctx context.Context, req ncp.ClusterCommandRequest) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, req)
	return f.sendErr
}

func (f *fakeNCP) Subscribe(ctx context.Context, ieee string) (<-chan ncp.AttributeReportEvent, error) {
	ch := make(chan ncp.AttributeReportEvent, 64)
	f.mu.Lock()
	f.subs[ieee] = ch
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if f.subs[ieee] == ch {
			delete(f.subs, ieee)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// report delivers an attribute report as if the device had sent it.
func (f *fakeNCP) report(ieee string, ep uint8, cluster, attr uint16, raw string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subs[ieee]
	if !ok {
		return false
	}
	ch <- ncp.AttributeReportEvent{IEEEAddress: ieee, Endpoint: ep, ClusterID: cluster, AttrID: attr, Value: json.RawMessage(raw)}
	return true
}

func (f *fakeNCP) subscribed(ieee string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[ieee]
	return ok
}

func (f *fakeNCP) sentCommands() []ncp.ClusterCommandRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ncp.ClusterCommandRequest(nil), f.commands...)
}

func (f *fakeNCP) sentWrites() []ncp.WriteAttributeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ncp.WriteAttributeRequest(nil), f.writes...)
}

func (f *fakeNCP) OnDeviceJoined(h func(ncp.DeviceJoinedEvent)) { f.onJoined = h }
func (f *fakeNCP) OnDeviceLeft(h func(ncp.DeviceLeftEvent))     { f.onLeft = h }
func (f *fakeNCP) OnAvailability(h func(ncp.AvailabilityEvent)) { f.onAvail = h }
func (f *fakeNCP) Close() error                                 { return nil }

// --- event recorder ---

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(bus *EventBus) *recorder {
	r := &recorder{}
	bus.OnAll(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// reports returns the attribute reports for one target attribute.
func (r *recorder) reports(cluster, attr uint32) []AttributeReport {
	var out []AttributeReport
	for _, e := range r.ofType(EventAttributeReport) {
		rep := e.Data.(AttributeReport)
		if rep.Cluster == cluster && rep.Attribute == attr {
			out = append(out, rep)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- controller fixture ---

type fixture struct {
	ctrl   *Controller
	ncp    *fakeNCP
	store  *memStore
	events *recorder
}

func newFixture(t *testing.T, st *memStore, gw *fakeNCP, cfg Config, opts ...Option) *fixture {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.SnapshotRetries == 0 {
		cfg.SnapshotRetries = 1
	}
	bus := NewEventBus(newTestLogger())
	f := &fixture{
		ncp:    gw,
		store:  st,
		events: record(bus),
	}
	opts = append([]Option{WithFatalHandler(func(err error) { t.Errorf("fatal: %v", err) })}, opts...)
	f.ctrl = NewController(gw, st, newTestTranslator(), bus, cfg, newTestLogger(), opts...)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.ctrl.Stop)
	return f
}

func (f *fixture) waitState(t *testing.T, ieee string, want DeviceState) DeviceSnapshot {
	t.Helper()
	var snap DeviceSnapshot
	waitFor(t, fmt.Sprintf("%s to become %s", ieee, want), func() bool {
		s, err := f.ctrl.Device(ieee)
		snap = s
		return err == nil && s.State == want
	})
	return snap
}

func (f *fixture) endpoint(t *testing.T, ieee string, index uint8) EndpointID {
	t.Helper()
	e, ok := f.ctrl.Mapper().Lookup(ieee, index)
	if !ok {
		t.Fatalf("no mapping for %s/%d", ieee, index)
	}
	return e.ID
}

func waitOp(t *testing.T, op *Operation) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := op.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("operation %s did not resolve", op.ID)
	}
	return err
}
