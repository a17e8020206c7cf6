package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/datamodel"
)

// Attributes of the bridged device basic information cluster served locally.
const (
	attrVendorName            uint32 = 0x0001
	attrProductName           uint32 = 0x0003
	attrNodeLabel             uint32 = 0x0005
	attrSoftwareVersionString uint32 = 0x000A
	attrReachable             uint32 = 0x0011
	attrUniqueID              uint32 = 0x0012

	eventReachableChanged uint32 = 0x03
)

// AttributeView is the target-side view of one bridged attribute.
type AttributeView struct {
	Cluster     uint32       `json:"cluster"`
	ClusterName string       `json:"cluster_name"`
	Attribute   uint32       `json:"attribute"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Writable    bool         `json:"writable"`
	Value       *codec.Value `json:"value,omitempty"`
	Pending     *codec.Value `json:"pending,omitempty"`
	Seq         uint64       `json:"seq"`
	UpdatedAt   time.Time    `json:"updated_at,omitzero"`
}

type gapKey struct {
	device  string
	index   uint8
	cluster uint16
	attr    int32 // -1 for a whole cluster
}

// Synchronizer keeps the per-attribute cache of every mapped endpoint and
// decides what is reported to the target side.
//
// A target report is only ever produced from a value confirmed by the native
// side; accepted writes stay pending until then. Methods are called with the
// controller lock held and return the events to emit once it is released.
type Synchronizer struct {
	translator *Translator
	mapper     *Mapper
	logger     *slog.Logger
	now        func() time.Time
	gaps       map[gapKey]CapabilityGap
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(translator *Translator, mapper *Mapper, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		translator: translator,
		mapper:     mapper,
		logger:     logger,
		now:        time.Now,
		gaps:       make(map[gapKey]CapabilityGap),
	}
}

// ApplyNativeUpdate records a native attribute value. When the mapped value
// differs from what the target side last saw, a report is returned. A value
// with no target representation marks the attribute unsupported and returns
// an error wrapping ErrUnrepresentable; the rest of the device is unaffected.
func (s *Synchronizer) ApplyNativeUpdate(dev *Device, index uint8, cluster, attr uint16, raw json.RawMessage) ([]Event, error) {
	ep := dev.Endpoint(index)
	if ep == nil {
		return nil, fmt.Errorf("%s endpoint %d: %w", dev.IEEEAddress, index, ErrNotFound)
	}
	ci := ep.Clusters[cluster]
	if ci == nil {
		return nil, fmt.Errorf("%s endpoint %d cluster 0x%04X: %w", dev.IEEEAddress, index, cluster, ErrNotFound)
	}
	now := s.now()
	st := ci.state(attr)
	st.Native = slices.Clone(raw)
	st.Updates++
	st.UpdatedAt = now
	dev.LastSeen = now

	ta, v, err := s.translator.TranslateReport(cluster, attr, raw)
	switch {
	case errors.Is(err, ErrUnrepresentable):
		// The next valid value is reported even if it equals the last one.
		st.Value, st.HasValue = codec.Value{}, false
		st.HasReport = false
		st.Gap = err.Error()
		return s.recordGap(dev, index, cluster, &attr, st.Gap), err
	case err != nil:
		// not bridged; kept in the native cache only
		return nil, nil
	}
	if st.Gap != "" {
		st.Gap = ""
		delete(s.gaps, gapKey{dev.IEEEAddress, index, cluster, int32(attr)})
	}
	st.Value, st.HasValue = v, true
	st.Seq++
	if st.Pending != nil && st.Pending.Value.Equal(v) {
		st.Pending = nil
	}
	if st.HasReport && st.Reported.Equal(v) {
		return nil, nil
	}
	entry, ok := s.mapper.Lookup(dev.IEEEAddress, index)
	if !ok || !entry.HasCluster(ta.Cluster) {
		return nil, nil
	}
	st.Reported, st.HasReport = v, true
	return []Event{{Type: EventAttributeReport, Data: AttributeReport{
		Endpoint:      entry.ID,
		DeviceID:      dev.IEEEAddress,
		Cluster:       ta.Cluster,
		ClusterName:   ta.ClusterName,
		Attribute:     ta.Attribute,
		AttributeName: ta.Name,
		Value:         v,
		Seq:           st.Seq,
		Time:          now,
	}}}, nil
}

// MarkUnsupported records that the device rejected reading an attribute.
func (s *Synchronizer) MarkUnsupported(dev *Device, index uint8, cluster, attr uint16, reason string) []Event {
	ep := dev.Endpoint(index)
	if ep == nil || ep.Clusters[cluster] == nil {
		return nil
	}
	st := ep.Clusters[cluster].state(attr)
	if st.HasValue {
		return nil
	}
	st.Gap = reason
	return s.recordGap(dev, index, cluster, &attr, reason)
}

// RecordDropped records native clusters the mapper could not expose.
func (s *Synchronizer) RecordDropped(dev *Device, entry MappingEntry) []Event {
	var out []Event
	for _, d := range entry.Dropped {
		out = append(out, s.recordGap(dev, entry.Index, d.Cluster, nil, d.Reason)...)
	}
	return out
}

func (s *Synchronizer) recordGap(dev *Device, index uint8, cluster uint16, attr *uint16, reason string) []Event {
	key := gapKey{dev.IEEEAddress, index, cluster, -1}
	if attr != nil {
		key.attr = int32(*attr)
	}
	if prev, seen := s.gaps[key]; seen && prev.Reason == reason {
		return nil
	}
	gap := CapabilityGap{
		DeviceID:  dev.IEEEAddress,
		Index:     index,
		Cluster:   cluster,
		Attribute: attr,
		Reason:    reason,
		Time:      s.now(),
	}
	if entry, ok := s.mapper.Lookup(dev.IEEEAddress, index); ok {
		gap.Endpoint = entry.ID
	}
	s.gaps[key] = gap

	args := []any{"ieee", dev.IEEEAddress, "name", dev.Name(), "ep", index,
		"cluster", fmt.Sprintf("0x%04X", cluster), "reason", reason}
	if attr != nil {
		args = append(args, "attr", fmt.Sprintf("0x%04X", *attr))
	}
	s.logger.Warn("capability gap", args...)
	return []Event{{Type: EventCapabilityGap, Data: gap}}
}

// ForgetDevice drops the recorded gaps of a device.
func (s *Synchronizer) ForgetDevice(ieee string) {
	for k := range s.gaps {
		if k.device == ieee {
			delete(s.gaps, k)
		}
	}
}

// Gaps returns all recorded capability gaps ordered by device, endpoint,
// cluster and attribute.
func (s *Synchronizer) Gaps() []CapabilityGap {
	out := make([]CapabilityGap, 0, len(s.gaps))
	for _, g := range s.gaps {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b CapabilityGap) int {
		switch {
		case a.DeviceID != b.DeviceID:
			if a.DeviceID < b.DeviceID {
				return -1
			}
			return 1
		case a.Index != b.Index:
			return int(a.Index) - int(b.Index)
		case a.Cluster != b.Cluster:
			return int(a.Cluster) - int(b.Cluster)
		}
		return attrOrder(a.Attribute) - attrOrder(b.Attribute)
	})
	return out
}

func attrOrder(a *uint16) int {
	if a == nil {
		return -1
	}
	return int(*a)
}

// ApplyTargetWrite validates a target write. Writes to locally served
// attributes are applied at once and local is true. Otherwise the translated
// native write is returned and the attribute is marked pending under opID
// until ConfirmWrite or RejectWrite.
func (s *Synchronizer) ApplyTargetWrite(dev *Device, entry MappingEntry, cluster, attr uint32, raw json.RawMessage, opID string) (nw NativeWrite, local bool, out []Event, err error) {
	if !entry.HasCluster(cluster) {
		return NativeWrite{}, false, nil, fmt.Errorf("endpoint %d cluster 0x%04X: %w", entry.ID, cluster, ErrNotFound)
	}
	if cluster == datamodel.ClusterBridgedDeviceBasicInformation {
		out, err := s.writeLocal(dev, entry, attr, raw)
		return NativeWrite{}, true, out, err
	}
	nw, err = s.translator.TranslateWrite(cluster, attr, raw)
	if err != nil {
		return NativeWrite{}, false, nil, err
	}
	ep := dev.Endpoint(entry.Index)
	if ep == nil {
		return NativeWrite{}, false, nil, fmt.Errorf("%s endpoint %d: %w", dev.IEEEAddress, entry.Index, ErrNotFound)
	}
	ci := ep.Clusters[nw.Cluster]
	if ci == nil || !ci.SupportsAttribute(nw.Attribute) {
		return NativeWrite{}, false, nil, fmt.Errorf("attribute 0x%04X: not supported by device: %w", attr, ErrUnsupportedAttribute)
	}
	st := ci.state(nw.Attribute)
	st.Pending = &PendingWrite{OpID: opID, Value: nw.Value, Native: nw.Native}
	nw.since = st.Updates
	return nw, false, nil, nil
}

// ConfirmWrite applies a write the native side acknowledged. The written
// value is now confirmed and is reported like any native update, unless the
// device reported the attribute after the write was issued: that report is
// newer than the acknowledgement and stays in force. applied tells which.
func (s *Synchronizer) ConfirmWrite(dev *Device, index uint8, nw NativeWrite, opID string) (out []Event, applied bool) {
	ci := s.cluster(dev, index, nw.Cluster)
	if ci == nil {
		return nil, false
	}
	st := ci.Attributes[nw.Attribute]
	if st == nil {
		return nil, false
	}
	if st.Pending != nil && st.Pending.OpID == opID {
		st.Pending = nil
	}
	if st.Updates != nw.since {
		s.logger.Debug("write acknowledged after a newer report", "ieee", dev.IEEEAddress,
			"cluster", fmt.Sprintf("0x%04X", nw.Cluster), "attr", fmt.Sprintf("0x%04X", nw.Attribute))
		return nil, false
	}
	out, err := s.ApplyNativeUpdate(dev, index, nw.Cluster, nw.Attribute, nw.Native)
	if err != nil && !errors.Is(err, ErrUnrepresentable) {
		s.logger.Debug("confirm write", "ieee", dev.IEEEAddress, "err", err)
	}
	return out, true
}

// RejectWrite drops the optimistic value of a failed write. Nothing is
// reported: the target side keeps seeing the last confirmed value.
func (s *Synchronizer) RejectWrite(dev *Device, index uint8, nw NativeWrite, opID string) {
	ci := s.cluster(dev, index, nw.Cluster)
	if ci == nil {
		return
	}
	if st := ci.Attributes[nw.Attribute]; st != nil && st.Pending != nil && st.Pending.OpID == opID {
		st.Pending = nil
	}
}

func (s *Synchronizer) cluster(dev *Device, index uint8, cluster uint16) *ClusterInstance {
	ep := dev.Endpoint(index)
	if ep == nil {
		return nil
	}
	return ep.Clusters[cluster]
}

// ReadAttribute returns the confirmed value of a target attribute.
func (s *Synchronizer) ReadAttribute(dev *Device, entry MappingEntry, cluster, attr uint32) (AttributeView, error) {
	if !entry.HasCluster(cluster) {
		return AttributeView{}, fmt.Errorf("endpoint %d cluster 0x%04X: %w", entry.ID, cluster, ErrNotFound)
	}
	def := s.translator.Schema().Get(cluster)
	if def == nil {
		return AttributeView{}, fmt.Errorf("cluster 0x%04X: %w", cluster, ErrNotFound)
	}
	ad := def.FindAttribute(attr)
	if ad == nil {
		return AttributeView{}, fmt.Errorf("%s attribute 0x%04X: %w", def.Name, attr, ErrUnsupportedAttribute)
	}
	view, ok := s.view(dev, entry, def, ad)
	if !ok {
		return AttributeView{}, fmt.Errorf("%s.%s: %w", def.Name, ad.Name, ErrUnsupportedAttribute)
	}
	if view.Value == nil {
		return view, fmt.Errorf("%s.%s: no value yet: %w", def.Name, ad.Name, ErrNotFound)
	}
	return view, nil
}

// EndpointAttributes lists the bridged attributes of a target endpoint.
// Attributes the device lacks or whose value cannot be represented are
// omitted.
func (s *Synchronizer) EndpointAttributes(dev *Device, entry MappingEntry) []AttributeView {
	var out []AttributeView
	for _, cid := range entry.Clusters {
		def := s.translator.Schema().Get(cid)
		if def == nil {
			continue
		}
		for i := range def.Attributes {
			if view, ok := s.view(dev, entry, def, &def.Attributes[i]); ok {
				out = append(out, view)
			}
		}
	}
	return out
}

func (s *Synchronizer) view(dev *Device, entry MappingEntry, def *datamodel.ClusterDef, ad *datamodel.AttributeDef) (AttributeView, bool) {
	view := AttributeView{
		Cluster:     def.ID,
		ClusterName: def.Name,
		Attribute:   ad.ID,
		Name:        ad.Name,
		Type:        ad.Type,
		Writable:    ad.IsWritable(),
	}
	var st *AttributeState
	if def.ID == datamodel.ClusterBridgedDeviceBasicInformation {
		st = dev.Local[ad.ID]
		if st == nil {
			return view, false
		}
	} else {
		nc, na, ok := s.translator.NativeAttribute(def.ID, ad.ID)
		if !ok {
			return view, false
		}
		ci := s.cluster(dev, entry.Index, nc)
		if ci == nil || !ci.SupportsAttribute(na) {
			return view, false
		}
		st = ci.Attributes[na]
	}
	if st == nil {
		return view, true
	}
	if st.Gap != "" && !st.HasValue {
		return view, false
	}
	if st.HasValue {
		v := st.Value
		view.Value = &v
	}
	if st.Pending != nil {
		p := st.Pending.Value
		view.Pending = &p
	}
	view.Seq = st.Seq
	view.UpdatedAt = st.UpdatedAt
	return view, true
}

// RefreshLocal recomputes the locally served basic information attributes
// of a device from its identity and liveness and reports what changed. They
// live on the device's first mapped endpoint.
func (s *Synchronizer) RefreshLocal(dev *Device) []Event {
	entry, ok := s.localEntry(dev.IEEEAddress)
	if !ok {
		return nil
	}
	label := dev.Label
	if label == "" {
		label = dev.Name()
	}
	values := []struct {
		attr uint32
		v    codec.Value
	}{
		{attrVendorName, codec.Value{Tag: "string", V: dev.Info.Manufacturer}},
		{attrProductName, codec.Value{Tag: "string", V: dev.Info.Model}},
		{attrNodeLabel, codec.Value{Tag: "string", V: label}},
		{attrSoftwareVersionString, codec.Value{Tag: "string", V: dev.Info.SWBuildID}},
		{attrReachable, codec.Value{Tag: "bool", V: dev.Liveness == LivenessOnline}},
		{attrUniqueID, codec.Value{Tag: "string", V: dev.IEEEAddress}},
	}
	var out []Event
	for _, lv := range values {
		out = append(out, s.setLocal(dev, entry, lv.attr, lv.v)...)
	}
	return out
}

func (s *Synchronizer) localEntry(ieee string) (MappingEntry, bool) {
	for _, e := range s.mapper.DeviceEntries(ieee) {
		if e.HasCluster(datamodel.ClusterBridgedDeviceBasicInformation) {
			return e, true
		}
	}
	return MappingEntry{}, false
}

func (s *Synchronizer) setLocal(dev *Device, entry MappingEntry, attr uint32, v codec.Value) []Event {
	st := dev.Local[attr]
	if st == nil {
		st = &AttributeState{}
		dev.Local[attr] = st
	}
	now := s.now()
	if st.HasValue && st.Value.Equal(v) {
		return nil
	}
	st.Value, st.HasValue = v, true
	st.Seq++
	st.UpdatedAt = now
	if st.HasReport && st.Reported.Equal(v) {
		return nil
	}
	reachableChanged := st.HasReport && attr == attrReachable
	st.Reported, st.HasReport = v, true

	def := s.translator.Schema().Get(datamodel.ClusterBridgedDeviceBasicInformation)
	if def == nil {
		return nil
	}
	name := fmt.Sprintf("0x%04X", attr)
	if ad := def.FindAttribute(attr); ad != nil {
		name = ad.Name
	}
	out := []Event{{Type: EventAttributeReport, Data: AttributeReport{
		Endpoint:      entry.ID,
		DeviceID:      dev.IEEEAddress,
		Cluster:       def.ID,
		ClusterName:   def.Name,
		Attribute:     attr,
		AttributeName: name,
		Value:         v,
		Seq:           st.Seq,
		Time:          now,
	}}}
	if reachableChanged {
		evName := "ReachableChanged"
		if ed := def.FindEvent(eventReachableChanged); ed != nil {
			evName = ed.Name
		}
		out = append(out, Event{Type: EventClusterEvent, Data: ClusterEvent{
			Endpoint:    entry.ID,
			Cluster:     def.ID,
			ClusterName: def.Name,
			Event:       eventReachableChanged,
			Name:        evName,
			Data:        map[string]any{"ReachableNewValue": v.V},
			Time:        now,
		}})
	}
	return out
}

// writeLocal handles writes to the basic information cluster. Only the node
// label is writable.
func (s *Synchronizer) writeLocal(dev *Device, entry MappingEntry, attr uint32, raw json.RawMessage) ([]Event, error) {
	def := s.translator.Schema().Get(datamodel.ClusterBridgedDeviceBasicInformation)
	if def == nil {
		return nil, fmt.Errorf("basic information cluster: %w", ErrNotFound)
	}
	ad := def.FindAttribute(attr)
	if ad == nil {
		return nil, fmt.Errorf("%s attribute 0x%04X: %w", def.Name, attr, ErrUnsupportedAttribute)
	}
	if !ad.IsWritable() {
		return nil, fmt.Errorf("%s.%s: %w", def.Name, ad.Name, ErrUnsupportedWrite)
	}
	v, err := decodeChecked(ad.Type, ad.Range, raw)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", def.Name, ad.Name, err)
	}
	label, _ := v.V.(string)
	if len(label) > 32 {
		return nil, fmt.Errorf("%s.%s: longer than 32 bytes: %w", def.Name, ad.Name, ErrConstraint)
	}
	dev.Label = label
	return s.setLocal(dev, entry, attr, v), nil
}

// RestoreValue loads a persisted native value without reporting it. The
// value counts as already seen by the target side.
func (s *Synchronizer) RestoreValue(dev *Device, index uint8, cluster, attr uint16, raw json.RawMessage) {
	ci := s.cluster(dev, index, cluster)
	if ci == nil {
		return
	}
	st := ci.state(attr)
	st.Native = slices.Clone(raw)
	_, v, err := s.translator.TranslateReport(cluster, attr, raw)
	if err != nil {
		return
	}
	st.Value, st.HasValue = v, true
	st.Reported, st.HasReport = v, true
}
