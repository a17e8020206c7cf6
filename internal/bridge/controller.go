package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"zigbee-matter-bridge/internal/datamodel"
	"zigbee-matter-bridge/internal/ncp"
	"zigbee-matter-bridge/internal/store"
)

// Config holds controller tuning.
type Config struct {
	CommandTimeout  time.Duration // deadline of a forwarded command or write
	SnapshotTimeout time.Duration // per read during the initial snapshot
	SnapshotRetries int
	RetryDelay      time.Duration // base delay between snapshot retries, plus jitter
	QueueDepth      int           // per-device event queue
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 15 * time.Second
	}
	if c.SnapshotRetries <= 0 {
		c.SnapshotRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithDeviceDB applies per-model definitions (friendly names, excluded
// clusters) when devices join.
func WithDeviceDB(db *DeviceDB) Option {
	return func(c *Controller) { c.deviceDB = db }
}

// WithFatalHandler sets what happens on an invariant violation. The default
// panics.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Controller) { c.fatal = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// DeviceSnapshot is a copy of a device's bridge-level state.
type DeviceSnapshot struct {
	IEEEAddress  string       `json:"ieee"`
	Manufacturer string       `json:"manufacturer,omitempty"`
	Model        string       `json:"model,omitempty"`
	Label        string       `json:"label,omitempty"`
	Liveness     Liveness     `json:"liveness"`
	State        DeviceState  `json:"state"`
	Endpoints    []EndpointID `json:"endpoints"`
	JoinedAt     time.Time    `json:"joined_at"`
	LastSeen     time.Time    `json:"last_seen"`
}

type deviceRuntime struct {
	queue      *deviceQueue
	ctx        context.Context // cancelled when the device is removed
	cancel     context.CancelFunc
	subscribed bool
	inflight   sync.WaitGroup
	removed    chan struct{} // closed once removal has finished
	removing   bool
}

// settleFunc applies the native outcome of an operation to the device
// state. It runs with the controller lock held.
type settleFunc func(dev *Device, err error) []Event

// Controller owns the device registry and mapping table and routes work
// between the native network, the translator and the synchronizer.
//
// Work for one device runs in order on that device's queue; devices are
// independent of each other. Registry and cache state is only touched under
// mu, and events are emitted after mu is released.
type Controller struct {
	ncp        ncp.NCP
	store      store.Store
	translator *Translator
	mapper     *Mapper
	sync       *Synchronizer
	events     *EventBus
	deviceDB   *DeviceDB
	logger     *slog.Logger
	cfg        Config
	fatal      func(error)
	now        func() time.Time
	newID      func() string

	mu       sync.Mutex
	registry *Registry
	runtimes map[string]*deviceRuntime
	pending  map[string]*Operation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller and registers for native indications.
func NewController(backend ncp.NCP, st store.Store, translator *Translator, events *EventBus, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ncp:        backend,
		store:      st,
		translator: translator,
		events:     events,
		logger:     logger.With("component", "bridge"),
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		registry:   NewRegistry(),
		runtimes:   make(map[string]*deviceRuntime),
		pending:    make(map[string]*Operation),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.fatal = func(err error) { panic(err) }
	for _, opt := range opts {
		opt(c)
	}
	c.mapper = NewMapper(translator.ResolveCluster)
	c.sync = NewSynchronizer(translator, c.mapper, c.logger)
	c.sync.now = c.now
	c.registerIndicationHandlers()
	return c
}

func (c *Controller) registerIndicationHandlers() {
	c.ncp.OnDeviceJoined(c.HandleJoin)
	c.ncp.OnDeviceLeft(c.HandleLeave)
	c.ncp.OnAvailability(c.HandleAvailability)
}

// Start restores persisted devices and mappings and then brings every
// device the gateway currently knows through mapping and synchronization.
// Restored devices start Offline with their previous endpoint IDs.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.restore(); err != nil {
		return err
	}
	devices, err := c.ncp.Devices(ctx)
	if err != nil {
		return fmt.Errorf("fetch device inventory: %w", err)
	}
	for _, info := range devices {
		c.HandleJoin(ncp.DeviceJoinedEvent{Device: info})
	}
	c.logger.Info("bridge started", "devices", len(devices), "endpoints", len(c.mapper.Entries()),
		"next_endpoint", c.mapper.Next())
	return nil
}

// Stop cancels in-flight work and waits for device queues to drain.
func (c *Controller) Stop() {
	c.cancel()
	c.mu.Lock()
	rts := make([]*deviceRuntime, 0, len(c.runtimes))
	for _, rt := range c.runtimes {
		rts = append(rts, rt)
	}
	c.mu.Unlock()
	for _, rt := range rts {
		rt.queue.stop()
	}
	for _, rt := range rts {
		rt.queue.wait()
	}
	c.wg.Wait()
}

// Mapper returns the endpoint mapper.
func (c *Controller) Mapper() *Mapper {
	return c.mapper
}

// Schema returns the target schema.
func (c *Controller) Schema() *datamodel.Registry {
	return c.translator.Schema()
}

// Events returns the event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

func (c *Controller) restore() error {
	next, err := c.store.GetNextEndpointID()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load endpoint high-water mark: %w", err)
	}
	mappings, err := c.store.ListMappings()
	if err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}
	entries := make([]MappingEntry, 0, len(mappings))
	for _, m := range mappings {
		dt, ok := datamodel.ClassifyEndpoint(m.Clusters)
		if !ok {
			dt = datamodel.DeviceTypeBridgedNode
		}
		entries = append(entries, MappingEntry{
			ID:         EndpointID(m.EndpointID),
			DeviceID:   m.IEEEAddress,
			Index:      m.Index,
			Clusters:   slices.Clone(m.Clusters),
			DeviceType: dt,
		})
	}
	if err := c.mapper.Restore(entries, EndpointID(next)); err != nil {
		c.fatal(err)
		return err
	}

	devices, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	var out []Event
	c.mu.Lock()
	for _, sd := range devices {
		dev, _ := c.registry.Upsert(deviceInfo(sd), sd.JoinedAt)
		dev.Label = sd.FriendlyName
		dev.LastSeen = sd.LastSeen
		dev.State = StateOffline
		dev.Liveness = LivenessUnknown
		for _, v := range sd.Values {
			c.sync.RestoreValue(dev, v.Endpoint, v.Cluster, v.Attribute, v.Value)
		}
		c.runtimeLocked(dev.IEEEAddress)
		out = append(out, c.sync.RefreshLocal(dev)...)
	}
	var orphans []MappingEntry
	for _, e := range c.mapper.Entries() {
		if _, err := c.registry.Find(e.DeviceID); err != nil {
			c.mapper.Release(e.DeviceID, e.Index)
			orphans = append(orphans, e)
		}
	}
	c.mu.Unlock()

	for _, e := range orphans {
		c.logger.Warn("dropping mapping without device", "endpoint", e.ID, "ieee", e.DeviceID)
		if err := c.store.DeleteMapping(uint16(e.ID)); err != nil {
			c.logger.Error("delete orphan mapping", "err", err, "endpoint", e.ID)
		}
	}
	c.emit(out)
	c.logger.Info("restored bridge state", "devices", len(devices), "mappings", len(entries)-len(orphans))
	return nil
}

// runtimeLocked returns the runtime of a device, creating it if needed.
func (c *Controller) runtimeLocked(ieee string) *deviceRuntime {
	rt := c.runtimes[ieee]
	if rt == nil {
		ctx, cancel := context.WithCancel(c.ctx)
		rt = &deviceRuntime{
			queue:   newDeviceQueue(c.cfg.QueueDepth),
			ctx:     ctx,
			cancel:  cancel,
			removed: make(chan struct{}),
		}
		c.runtimes[ieee] = rt
	}
	return rt
}

// post runs job on the device's queue. With create false, unknown devices
// are ignored.
func (c *Controller) post(ieee string, create bool, job func(rt *deviceRuntime)) bool {
	c.mu.Lock()
	rt := c.runtimes[ieee]
	if rt == nil && create {
		rt = c.runtimeLocked(ieee)
	}
	c.mu.Unlock()
	if rt == nil {
		return false
	}
	return rt.queue.post(func() { job(rt) })
}

func (c *Controller) emit(events []Event) {
	for _, e := range events {
		c.events.Emit(e)
	}
}

func stateEvent(dev *Device, prev DeviceState) Event {
	return Event{Type: EventDeviceState, Data: DeviceStateChange{
		DeviceID: dev.IEEEAddress,
		State:    dev.State,
		Previous: prev,
		Liveness: dev.Liveness,
	}}
}

func (c *Controller) setStateLocked(dev *Device, state DeviceState) []Event {
	if dev.State == state {
		return nil
	}
	prev := dev.State
	dev.State = state
	c.logger.Info("device state", "ieee", dev.IEEEAddress, "name", dev.Name(), "from", prev, "to", state)
	return []Event{stateEvent(dev, prev)}
}

// HandleJoin processes a joined or re-announced device with its capability
// snapshot.
func (c *Controller) HandleJoin(evt ncp.DeviceJoinedEvent) {
	info := evt.Device
	c.post(info.IEEEAddress, true, func(rt *deviceRuntime) {
		c.join(rt, info)
	})
}

func (c *Controller) join(rt *deviceRuntime, info ncp.DeviceInfo) {
	ieee := info.IEEEAddress
	def := c.deviceDB.Lookup(info.Manufacturer, info.Model)

	c.mu.Lock()
	if dev, err := c.registry.Find(ieee); err == nil && dev.State == StateRemoved {
		c.mu.Unlock()
		c.logger.Info("join during removal ignored", "ieee", ieee)
		return
	}
	dev, changed := c.registry.Upsert(info, c.now())
	dev.LastSeen = c.now()
	dev.Liveness = LivenessOnline
	if !changed && dev.State == StateActive {
		out := c.sync.RefreshLocal(dev)
		c.mu.Unlock()
		c.emit(out)
		c.logger.Debug("device re-announced, capabilities unchanged", "ieee", ieee, "name", dev.Name())
		return
	}
	if def != nil && def.FriendlyName != "" && dev.Label == "" {
		dev.Label = def.FriendlyName
	}
	out, removed, err := c.mapDeviceLocked(dev, def)
	if err != nil {
		c.mu.Unlock()
		c.emit(out)
		c.fatal(fmt.Errorf("map %s: %w", ieee, err))
		return
	}
	entries := c.mapper.DeviceEntries(ieee)
	if len(entries) > 0 {
		out = append(out, c.setStateLocked(dev, StateMapped)...)
		out = append(out, c.sync.RefreshLocal(dev)...)
	}
	snapshot := storeDevice(dev)
	name := dev.Name()
	c.mu.Unlock()

	c.persistDevice(snapshot)
	c.persistMappings(entries, removed)
	c.emit(out)

	if len(entries) == 0 {
		c.logger.Warn("device has no bridgeable endpoints", "ieee", ieee, "name", name)
		return
	}
	c.logger.Info("device mapped", "ieee", ieee, "name", name, "endpoints", len(entries), "changed", changed)
	c.subscribe(rt, ieee)
	c.synchronize(rt, ieee)
}

// mapDeviceLocked assigns target endpoints for every native endpoint of a
// device and releases the ones that disappeared. The first mapped endpoint
// also carries the bridged basic information cluster.
func (c *Controller) mapDeviceLocked(dev *Device, def *DeviceDefinition) ([]Event, []MappingEntry, error) {
	var (
		out   []Event
		local = []uint32{datamodel.ClusterBridgedDeviceBasicInformation}
		live  = make(map[uint8]bool)
	)
	for _, ep := range dev.Endpoints {
		var native []uint16
		var excluded []DroppedCluster
		for _, cid := range ep.ClusterIDs() {
			if def.Excludes(cid) {
				excluded = append(excluded, DroppedCluster{Cluster: cid, Reason: "excluded by device definition"})
				continue
			}
			native = append(native, cid)
		}
		prev, existed := c.mapper.Lookup(dev.IEEEAddress, ep.Index)
		entry, err := c.mapper.Assign(dev.IEEEAddress, ep.Index, native, local...)
		gaps := entry
		gaps.Dropped = append(gaps.Dropped, excluded...)
		if errors.Is(err, ErrNoClusters) {
			out = append(out, c.sync.RecordDropped(dev, gaps)...)
			continue
		}
		if err != nil {
			return out, nil, err
		}
		out = append(out, c.sync.RecordDropped(dev, gaps)...)
		local = nil
		live[ep.Index] = true
		if !existed || !slices.Equal(prev.Clusters, entry.Clusters) {
			out = append(out, Event{Type: EventEndpointAdded, Data: endpointInfo(entry, dev)})
			c.logger.Info("endpoint mapped", "ieee", dev.IEEEAddress, "name", dev.Name(), "ep", ep.Index,
				"endpoint", entry.ID, "device_type", entry.DeviceType.Name, "clusters", len(entry.Clusters),
				"dropped", len(gaps.Dropped))
		}
	}

	var removed []MappingEntry
	for _, e := range c.mapper.DeviceEntries(dev.IEEEAddress) {
		if live[e.Index] {
			continue
		}
		c.mapper.Release(e.DeviceID, e.Index)
		removed = append(removed, e)
		out = append(out, Event{Type: EventEndpointRemoved, Data: endpointInfo(e, dev)})
		c.logger.Info("endpoint released", "ieee", dev.IEEEAddress, "ep", e.Index, "endpoint", e.ID)
	}
	return out, removed, nil
}

func endpointInfo(e MappingEntry, dev *Device) EndpointInfo {
	info := EndpointInfo{
		Endpoint:   e.ID,
		DeviceID:   e.DeviceID,
		Index:      e.Index,
		DeviceType: e.DeviceType,
		Clusters:   slices.Clone(e.Clusters),
	}
	if dev != nil {
		info.Label = dev.Label
		if info.Label == "" {
			info.Label = dev.Name()
		}
		info.Reachable = dev.Liveness == LivenessOnline && dev.State != StateOffline && dev.State != StateRemoved
	}
	return info
}

// subscribe starts forwarding the device's attribute reports into its queue.
func (c *Controller) subscribe(rt *deviceRuntime, ieee string) {
	c.mu.Lock()
	if rt.subscribed {
		c.mu.Unlock()
		return
	}
	rt.subscribed = true
	c.mu.Unlock()

	ch, err := c.ncp.Subscribe(rt.ctx, ieee)
	if err != nil {
		c.logger.Warn("subscribe", "err", err, "ieee", ieee)
		c.mu.Lock()
		rt.subscribed = false
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			rt.subscribed = false
			c.mu.Unlock()
		}()
		for evt := range ch {
			if !rt.queue.post(func() { c.applyReport(evt) }) {
				return
			}
		}
	}()
}

func (c *Controller) applyReport(evt ncp.AttributeReportEvent) {
	c.mu.Lock()
	dev, err := c.registry.Find(evt.IEEEAddress)
	if err != nil || dev.State == StateRemoved {
		c.mu.Unlock()
		return
	}
	if dev.State == StateOffline {
		c.mu.Unlock()
		c.logger.Debug("report from offline device dropped", "ieee", evt.IEEEAddress,
			"cluster", fmt.Sprintf("0x%04X", evt.ClusterID), "attr", fmt.Sprintf("0x%04X", evt.AttrID))
		return
	}
	out, err := c.sync.ApplyNativeUpdate(dev, evt.Endpoint, evt.ClusterID, evt.AttrID, evt.Value)
	c.mu.Unlock()

	if err != nil && !errors.Is(err, ErrUnrepresentable) {
		c.logger.Debug("attribute report", "err", err, "ieee", evt.IEEEAddress)
	}
	c.persistValue(evt.IEEEAddress, evt.Endpoint, evt.ClusterID, evt.AttrID, evt.Value)
	c.emit(out)
}

// synchronize reads the initial attribute snapshot of every mapped
// endpoint. Success makes the device Active; a device that cannot be read
// goes Offline until it is seen again.
func (c *Controller) synchronize(rt *deviceRuntime, ieee string) {
	c.mu.Lock()
	dev, err := c.registry.Find(ieee)
	if err != nil || dev.State == StateRemoved {
		c.mu.Unlock()
		return
	}
	reads := c.snapshotRequestsLocked(dev)
	c.mu.Unlock()

	var failure error
	for _, req := range reads {
		results, err := c.readWithRetry(rt.ctx, req)
		if rt.ctx.Err() != nil {
			return
		}
		if err != nil {
			failure = err
			break
		}
		var out []Event
		c.mu.Lock()
		for _, r := range results {
			if r.Status != ncp.StatusSuccess {
				out = append(out, c.sync.MarkUnsupported(dev, req.Endpoint, req.ClusterID, r.AttrID,
					"device reports "+ncp.StatusName(r.Status))...)
				continue
			}
			events, _ := c.sync.ApplyNativeUpdate(dev, req.Endpoint, req.ClusterID, r.AttrID, r.Value)
			out = append(out, events...)
		}
		c.mu.Unlock()
		c.emit(out)
	}

	c.mu.Lock()
	if dev.State == StateRemoved {
		c.mu.Unlock()
		return
	}
	var out []Event
	if failure != nil {
		dev.Liveness = LivenessOffline
		out = c.setStateLocked(dev, StateOffline)
	} else {
		dev.Liveness = LivenessOnline
		out = c.setStateLocked(dev, StateActive)
	}
	out = append(out, c.sync.RefreshLocal(dev)...)
	snapshot := storeDevice(dev)
	c.mu.Unlock()

	if failure != nil {
		c.logger.Warn("initial snapshot failed", "err", failure, "ieee", ieee, "name", snapshot.FriendlyName)
	}
	c.persistDevice(snapshot)
	c.emit(out)
}

func (c *Controller) snapshotRequestsLocked(dev *Device) []ncp.ReadAttributesRequest {
	var reads []ncp.ReadAttributesRequest
	for _, entry := range c.mapper.DeviceEntries(dev.IEEEAddress) {
		ep := dev.Endpoint(entry.Index)
		if ep == nil {
			continue
		}
		for _, cid := range ep.ClusterIDs() {
			target, _, ok := c.translator.ResolveCluster(cid)
			if !ok || !entry.HasCluster(target) {
				continue
			}
			ci := ep.Clusters[cid]
			var attrs []uint16
			for _, a := range c.translator.AttributeIDs(cid) {
				if ci.SupportsAttribute(a) {
					attrs = append(attrs, a)
				}
			}
			if len(attrs) == 0 {
				continue
			}
			reads = append(reads, ncp.ReadAttributesRequest{
				IEEEAddress: dev.IEEEAddress,
				Endpoint:    ep.Index,
				ClusterID:   cid,
				AttrIDs:     attrs,
			})
		}
	}
	return reads
}

// readWithRetry reads attributes, retrying with a jittered delay.
func (c *Controller) readWithRetry(parent context.Context, req ncp.ReadAttributesRequest) ([]ncp.AttributeResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.SnapshotRetries; attempt++ {
		ctx, cancel := context.WithTimeout(parent, c.cfg.SnapshotTimeout)
		results, err := c.ncp.ReadAttributes(ctx, req)
		cancel()
		if err == nil {
			return results, nil
		}
		lastErr = err
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		c.logger.Debug("snapshot read failed", "err", err, "ieee", req.IEEEAddress,
			"cluster", fmt.Sprintf("0x%04X", req.ClusterID), "attempt", attempt)
		if attempt < c.cfg.SnapshotRetries {
			jitter := time.Duration(rand.Int64N(int64(c.cfg.RetryDelay)/2 + 1))
			select {
			case <-time.After(c.cfg.RetryDelay + jitter):
			case <-parent.Done():
				return nil, parent.Err()
			}
		}
	}
	return nil, fmt.Errorf("read cluster 0x%04X after %d attempts: %w", req.ClusterID, c.cfg.SnapshotRetries, lastErr)
}

// HandleAvailability processes a liveness change reported by the gateway.
func (c *Controller) HandleAvailability(evt ncp.AvailabilityEvent) {
	c.post(evt.IEEEAddress, false, func(rt *deviceRuntime) {
		c.availability(rt, evt)
	})
}

func (c *Controller) availability(rt *deviceRuntime, evt ncp.AvailabilityEvent) {
	c.mu.Lock()
	dev, err := c.registry.Find(evt.IEEEAddress)
	if err != nil || dev.State == StateRemoved {
		c.mu.Unlock()
		return
	}
	var out []Event
	resync := false
	if evt.Online {
		dev.Liveness = LivenessOnline
		dev.LastSeen = c.now()
		resync = dev.State == StateOffline
	} else {
		dev.Liveness = LivenessOffline
		if dev.State == StateActive || dev.State == StateMapped {
			out = c.setStateLocked(dev, StateOffline)
		}
	}
	out = append(out, c.sync.RefreshLocal(dev)...)
	c.mu.Unlock()

	c.emit(out)
	if resync && len(c.mapper.DeviceEntries(evt.IEEEAddress)) > 0 {
		c.subscribe(rt, evt.IEEEAddress)
		c.synchronize(rt, evt.IEEEAddress)
	}
}

// HandleLeave removes a device that left the network.
func (c *Controller) HandleLeave(evt ncp.DeviceLeftEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.RemoveDevice(c.ctx, evt.IEEEAddress); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("remove departed device", "err", err, "ieee", evt.IEEEAddress)
		}
	}()
}

// RemoveDevice deprovisions a device. Its pending operations resolve with
// ErrNotFound at once; its mapping entries are released only after every
// in-flight native call has returned, and their IDs are never reused.
// RemoveDevice returns once removal has finished or ctx ends.
func (c *Controller) RemoveDevice(ctx context.Context, ieee string) error {
	c.mu.Lock()
	dev, err := c.registry.Find(ieee)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	rt := c.runtimeLocked(ieee)
	if rt.removing {
		c.mu.Unlock()
		return waitRemoved(ctx, rt)
	}
	rt.removing = true
	rt.cancel()
	out := c.setStateLocked(dev, StateRemoved)
	var ops []*Operation
	for id, op := range c.pending {
		if op.DeviceID == ieee {
			ops = append(ops, op)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	c.emit(out)
	cause := fmt.Errorf("device %s removed: %w", ieee, ErrNotFound)
	for _, op := range ops {
		if op.resolve(cause) {
			c.emitResult(op)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rt.inflight.Wait()
		if !rt.queue.post(func() { c.finalizeRemoval(rt, ieee) }) {
			c.finalizeRemoval(rt, ieee)
		}
	}()
	return waitRemoved(ctx, rt)
}

func waitRemoved(ctx context.Context, rt *deviceRuntime) error {
	select {
	case <-rt.removed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) finalizeRemoval(rt *deviceRuntime, ieee string) {
	c.mu.Lock()
	dev, _ := c.registry.Find(ieee)
	entries := c.mapper.DeviceEntries(ieee)
	for _, e := range entries {
		c.mapper.Release(ieee, e.Index)
	}
	c.registry.Remove(ieee)
	c.sync.ForgetDevice(ieee)
	if c.runtimes[ieee] == rt {
		delete(c.runtimes, ieee)
	}
	c.mu.Unlock()

	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		if err := c.store.DeleteMapping(uint16(e.ID)); err != nil {
			c.logger.Error("delete mapping", "err", err, "endpoint", e.ID)
		}
		out = append(out, Event{Type: EventEndpointRemoved, Data: endpointInfo(e, dev)})
	}
	if err := c.store.DeleteDevice(ieee); err != nil {
		c.logger.Error("delete device", "err", err, "ieee", ieee)
	}
	if err := c.store.SaveNextEndpointID(uint16(c.mapper.Next())); err != nil {
		c.logger.Error("save endpoint high-water mark", "err", err)
	}
	c.emit(out)
	c.logger.Info("device removed", "ieee", ieee, "endpoints", len(entries))
	close(rt.removed)
	rt.queue.stop()
}

// reachableLocked returns a device that can accept native operations.
func (c *Controller) reachableLocked(ieee string) (*Device, *deviceRuntime, error) {
	dev, err := c.registry.Find(ieee)
	if err != nil {
		return nil, nil, err
	}
	switch dev.State {
	case StateRemoved:
		return nil, nil, fmt.Errorf("device %s removed: %w", ieee, ErrNotFound)
	case StateOffline:
		return nil, nil, fmt.Errorf("device %s: %w: %w", dev.Name(), ErrOffline, ErrTimeout)
	}
	rt := c.runtimes[ieee]
	if rt == nil || rt.removing {
		return nil, nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	return dev, rt, nil
}

// InvokeCommand validates and forwards a target command. The returned
// operation resolves with the native outcome, ErrTimeout at its deadline,
// or ErrNotFound if the device is removed first.
func (c *Controller) InvokeCommand(ep EndpointID, cluster, command uint32, payload json.RawMessage, correlationID string) (*Operation, error) {
	entry, err := c.mapper.Entry(ep)
	if err != nil {
		return nil, err
	}
	if !entry.HasCluster(cluster) {
		return nil, fmt.Errorf("endpoint %d cluster 0x%04X: %w", ep, cluster, ErrNotFound)
	}

	c.mu.Lock()
	dev, rt, err := c.reachableLocked(entry.DeviceID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	req, err := c.translator.TranslateCommand(dev, entry.Index, cluster, command, payload)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	op := newOperation(c.newID(), correlationID, KindInvoke, entry, cluster, command, c.now().Add(c.cfg.CommandTimeout))
	c.pending[op.ID] = op
	rt.inflight.Add(1)
	c.mu.Unlock()

	c.logger.Debug("invoke", "endpoint", ep, "cluster", fmt.Sprintf("0x%04X", cluster),
		"command", fmt.Sprintf("0x%02X", command), "ieee", entry.DeviceID, "op", op.ID)
	go c.dispatch(rt, op, func(ctx context.Context) error {
		return c.ncp.SendCommand(ctx, req)
	}, nil, nil)
	return op, nil
}

// WriteAttribute validates a target write. Locally served attributes are
// applied immediately; others are forwarded and stay pending until the
// native side confirms. The new value is reported only after confirmation.
func (c *Controller) WriteAttribute(ep EndpointID, cluster, attr uint32, value json.RawMessage, correlationID string) (*Operation, error) {
	entry, err := c.mapper.Entry(ep)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	dev, rt, err := c.reachableLocked(entry.DeviceID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	opID := c.newID()
	nw, local, out, err := c.sync.ApplyTargetWrite(dev, entry, cluster, attr, value, opID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	op := newOperation(opID, correlationID, KindWrite, entry, cluster, attr, c.now().Add(c.cfg.CommandTimeout))
	if local {
		label := dev.Label
		c.mu.Unlock()
		op.resolve(nil)
		err := c.store.UpdateDevice(entry.DeviceID, func(d *store.Device) error {
			d.FriendlyName = label
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("save node label", "err", err, "ieee", entry.DeviceID)
		}
		c.emit(out)
		c.emitResult(op)
		return op, nil
	}
	c.pending[op.ID] = op
	rt.inflight.Add(1)
	c.mu.Unlock()

	req := ncp.WriteAttributeRequest{
		IEEEAddress: entry.DeviceID,
		Endpoint:    entry.Index,
		ClusterID:   nw.Cluster,
		AttrID:      nw.Attribute,
		Value:       nw.Native,
	}
	c.logger.Debug("write", "endpoint", ep, "cluster", fmt.Sprintf("0x%04X", cluster),
		"attr", fmt.Sprintf("0x%04X", attr), "ieee", entry.DeviceID, "op", op.ID)
	// settle runs before after, both on the device queue.
	var applied bool
	settle := func(dev *Device, err error) []Event {
		if err != nil {
			c.sync.RejectWrite(dev, entry.Index, nw, op.ID)
			return nil
		}
		var out []Event
		out, applied = c.sync.ConfirmWrite(dev, entry.Index, nw, op.ID)
		return out
	}
	after := func(err error) {
		if err == nil && applied {
			c.persistValue(entry.DeviceID, entry.Index, nw.Cluster, nw.Attribute, nw.Native)
		}
	}
	go c.dispatch(rt, op, func(ctx context.Context) error {
		return c.ncp.WriteAttribute(ctx, req)
	}, settle, after)
	return op, nil
}

// dispatch performs the native call of an operation and hands its result
// back to the device queue. A result arriving after the device was removed
// is discarded.
func (c *Controller) dispatch(rt *deviceRuntime, op *Operation, call func(context.Context) error, settle settleFunc, after func(error)) {
	defer rt.inflight.Done()
	ctx, cancel := context.WithDeadline(c.ctx, op.Deadline)
	err := call(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	cancel()
	job := func() { c.complete(op, err, settle, after) }
	if !rt.queue.post(job) {
		job()
	}
}

func (c *Controller) complete(op *Operation, err error, settle settleFunc, after func(error)) {
	c.mu.Lock()
	_, live := c.pending[op.ID]
	delete(c.pending, op.ID)
	var out []Event
	if live && settle != nil {
		if dev, ferr := c.registry.Find(op.DeviceID); ferr == nil && dev.State != StateRemoved {
			out = settle(dev, err)
		}
	}
	c.mu.Unlock()

	if !op.resolve(err) {
		c.logger.Debug("late native result discarded", "op", op.ID, "ieee", op.DeviceID, "err", err)
		return
	}
	if after != nil {
		after(err)
	}
	c.emit(out)
	c.emitResult(op)
	if err != nil {
		c.logger.Warn("operation failed", "op", op.ID, "kind", op.Kind, "endpoint", op.Endpoint,
			"cluster", fmt.Sprintf("0x%04X", op.Cluster), "status", StatusOf(err), "err", err)
	}
}

func (c *Controller) emitResult(op *Operation) {
	typ := EventCommandResult
	if op.Kind == KindWrite {
		typ = EventWriteResult
	}
	c.events.Emit(Event{Type: typ, Data: op.Result()})
}

// ReadAttribute returns the cached value of a target attribute. Offline
// devices answer with their last-known values.
func (c *Controller) ReadAttribute(ep EndpointID, cluster, attr uint32) (AttributeView, error) {
	entry, err := c.mapper.Entry(ep)
	if err != nil {
		return AttributeView{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, err := c.registry.Find(entry.DeviceID)
	if err != nil {
		return AttributeView{}, err
	}
	if dev.State == StateRemoved {
		return AttributeView{}, fmt.Errorf("endpoint %d: %w", ep, ErrNotFound)
	}
	return c.sync.ReadAttribute(dev, entry, cluster, attr)
}

// EndpointAttributes lists the bridged attributes of a target endpoint.
func (c *Controller) EndpointAttributes(ep EndpointID) ([]AttributeView, error) {
	entry, err := c.mapper.Entry(ep)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, err := c.registry.Find(entry.DeviceID)
	if err != nil {
		return nil, err
	}
	return c.sync.EndpointAttributes(dev, entry), nil
}

// Endpoint describes one target endpoint.
func (c *Controller) Endpoint(ep EndpointID) (EndpointInfo, error) {
	entry, err := c.mapper.Entry(ep)
	if err != nil {
		return EndpointInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, _ := c.registry.Find(entry.DeviceID)
	return endpointInfo(entry, dev), nil
}

// Endpoints describes every live target endpoint, ordered by ID.
func (c *Controller) Endpoints() []EndpointInfo {
	entries := c.mapper.Entries()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EndpointInfo, 0, len(entries))
	for _, e := range entries {
		dev, _ := c.registry.Find(e.DeviceID)
		out = append(out, endpointInfo(e, dev))
	}
	return out
}

// Devices returns snapshots of all known devices.
func (c *Controller) Devices() []DeviceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	devs := c.registry.List()
	out := make([]DeviceSnapshot, 0, len(devs))
	for _, d := range devs {
		out = append(out, c.snapshotLocked(d))
	}
	return out
}

// Device returns the snapshot of one device.
func (c *Controller) Device(ieee string) (DeviceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.registry.Find(ieee)
	if err != nil {
		return DeviceSnapshot{}, err
	}
	return c.snapshotLocked(d), nil
}

func (c *Controller) snapshotLocked(d *Device) DeviceSnapshot {
	s := DeviceSnapshot{
		IEEEAddress:  d.IEEEAddress,
		Manufacturer: d.Info.Manufacturer,
		Model:        d.Info.Model,
		Label:        d.Label,
		Liveness:     d.Liveness,
		State:        d.State,
		Endpoints:    []EndpointID{},
		JoinedAt:     d.JoinedAt,
		LastSeen:     d.LastSeen,
	}
	for _, e := range c.mapper.DeviceEntries(d.IEEEAddress) {
		s.Endpoints = append(s.Endpoints, e.ID)
	}
	return s
}

// Gaps returns the recorded capability gaps.
func (c *Controller) Gaps() []CapabilityGap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sync.Gaps()
}

// Pending returns the number of unresolved operations.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Controller) persistDevice(dev *store.Device) {
	if err := c.store.SaveDevice(dev); err != nil {
		c.logger.Error("save device", "err", err, "ieee", dev.IEEEAddress)
	}
}

func (c *Controller) persistMappings(entries, removed []MappingEntry) {
	for _, e := range removed {
		if err := c.store.DeleteMapping(uint16(e.ID)); err != nil {
			c.logger.Error("delete mapping", "err", err, "endpoint", e.ID)
		}
	}
	for _, e := range entries {
		err := c.store.SaveMapping(&store.Mapping{
			EndpointID:  uint16(e.ID),
			IEEEAddress: e.DeviceID,
			Index:       e.Index,
			Clusters:    e.Clusters,
		})
		if err != nil {
			c.logger.Error("save mapping", "err", err, "endpoint", e.ID)
		}
	}
	if err := c.store.SaveNextEndpointID(uint16(c.mapper.Next())); err != nil {
		c.logger.Error("save endpoint high-water mark", "err", err)
	}
}

func (c *Controller) persistValue(ieee string, ep uint8, cluster, attr uint16, value json.RawMessage) {
	now := c.now()
	err := c.store.UpdateDevice(ieee, func(d *store.Device) error {
		d.SetValue(ep, cluster, attr, value)
		d.LastSeen = now
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("save attribute value", "err", err, "ieee", ieee)
	}
}

// storeDevice converts a device into its persisted form.
func storeDevice(dev *Device) *store.Device {
	sd := &store.Device{
		IEEEAddress:  dev.IEEEAddress,
		Manufacturer: dev.Info.Manufacturer,
		Model:        dev.Info.Model,
		SWBuildID:    dev.Info.SWBuildID,
		PowerSource:  dev.Info.PowerSource,
		FriendlyName: dev.Label,
		JoinedAt:     dev.JoinedAt,
		LastSeen:     dev.LastSeen,
	}
	for _, e := range dev.Info.Endpoints {
		se := store.Endpoint{ID: e.ID, ProfileID: e.ProfileID, DeviceID: e.DeviceID}
		for _, cl := range e.Clusters {
			se.Clusters = append(se.Clusters, store.Cluster{
				ID:         cl.ID,
				Attributes: slices.Clone(cl.Attributes),
				Commands:   slices.Clone(cl.Commands),
			})
		}
		sd.Endpoints = append(sd.Endpoints, se)
	}
	for _, ep := range dev.Endpoints {
		for _, cid := range ep.ClusterIDs() {
			ci := ep.Clusters[cid]
			attrs := make([]uint16, 0, len(ci.Attributes))
			for id, st := range ci.Attributes {
				if st.Native != nil {
					attrs = append(attrs, id)
				}
			}
			slices.Sort(attrs)
			for _, id := range attrs {
				sd.SetValue(ep.Index, cid, id, ci.Attributes[id].Native)
			}
		}
	}
	return sd
}

// deviceInfo converts a persisted device back into a capability snapshot.
func deviceInfo(sd *store.Device) ncp.DeviceInfo {
	info := ncp.DeviceInfo{
		IEEEAddress:  sd.IEEEAddress,
		Manufacturer: sd.Manufacturer,
		Model:        sd.Model,
		SWBuildID:    sd.SWBuildID,
		PowerSource:  sd.PowerSource,
		Endpoints:    make([]ncp.Endpoint, 0, len(sd.Endpoints)),
	}
	for _, e := range sd.Endpoints {
		ne := ncp.Endpoint{ID: e.ID, ProfileID: e.ProfileID, DeviceID: e.DeviceID}
		for _, cl := range e.Clusters {
			ne.Clusters = append(ne.Clusters, ncp.Cluster{
				ID:         cl.ID,
				Attributes: slices.Clone(cl.Attributes),
				Commands:   slices.Clone(cl.Commands),
			})
		}
		info.Endpoints = append(info.Endpoints, ne)
	}
	return info
}
