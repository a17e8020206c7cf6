package bridge

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/datamodel"
)

type syncFixture struct {
	sync   *Synchronizer
	mapper *Mapper
	dev    *Device
	entry  MappingEntry
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	tr := newTestTranslator()
	m := NewMapper(tr.ResolveCluster)
	s := NewSynchronizer(tr, m, newTestLogger())

	r := NewRegistry()
	dev, _ := r.Upsert(shadeInfo("0x00158D0000ABCDEF"), time.Now())
	dev.Liveness = LivenessOnline
	entry, err := m.Assign(dev.IEEEAddress, 1, dev.Endpoint(1).ClusterIDs(), datamodel.ClusterBridgedDeviceBasicInformation)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return &syncFixture{sync: s, mapper: m, dev: dev, entry: entry}
}

func (f *syncFixture) native(t *testing.T, attr uint16, raw string) []Event {
	t.Helper()
	out, err := f.sync.ApplyNativeUpdate(f.dev, 1, nativeShade, attr, json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ApplyNativeUpdate(%s): %v", raw, err)
	}
	return out
}

func reportsOf(events []Event) []AttributeReport {
	var out []AttributeReport
	for _, e := range events {
		if e.Type == EventAttributeReport {
			out = append(out, e.Data.(AttributeReport))
		}
	}
	return out
}

func modeValue(label string) codec.Value {
	v, err := codec.Decode("Shade.ModeEnum", []byte(`"`+label+`"`))
	if err != nil {
		panic(err)
	}
	return v
}

func TestSynchronizerReportsInOrder(t *testing.T) {
	f := newSyncFixture(t)

	var got []AttributeReport
	for i := 0; i <= 100; i++ {
		got = append(got, reportsOf(f.native(t, shadePosition, jsonInt(i)))...)
	}
	if len(got) != 101 {
		t.Fatalf("reports = %d, want 101", len(got))
	}
	for i, r := range got {
		if n, _ := r.Value.Int(); n != int64(i) {
			t.Fatalf("report %d carries %d", i, n)
		}
		if r.Seq != uint64(i+1) {
			t.Errorf("report %d seq = %d", i, r.Seq)
		}
		if r.Endpoint != f.entry.ID || r.Cluster != clusterShade || r.AttributeName != "Position" {
			t.Errorf("report %d addressed to %+v", i, r)
		}
	}
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestSynchronizerSuppressesUnchanged(t *testing.T) {
	f := newSyncFixture(t)

	if n := len(reportsOf(f.native(t, shadePosition, `10`))); n != 1 {
		t.Fatalf("first value: %d reports", n)
	}
	if n := len(reportsOf(f.native(t, shadePosition, `10`))); n != 0 {
		t.Errorf("unchanged value reported %d times", n)
	}
	view, err := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0001)
	if err != nil {
		t.Fatalf("ReadAttribute: %v", err)
	}
	if view.Seq != 2 {
		t.Errorf("seq = %d, want 2", view.Seq)
	}
}

func TestSynchronizerWriteConfirmed(t *testing.T) {
	f := newSyncFixture(t)
	f.native(t, shadeMode, `"Up"`)

	nw, local, out, err := f.sync.ApplyTargetWrite(f.dev, f.entry, clusterShade, 0x0000, json.RawMessage(`"Down"`), "op-1")
	if err != nil {
		t.Fatalf("ApplyTargetWrite: %v", err)
	}
	if local || len(out) != 0 {
		t.Fatalf("local=%v events=%d, want a forwarded write with no events", local, len(out))
	}
	if nw.Cluster != nativeShade || nw.Attribute != shadeMode || string(nw.Native) != `"Down"` {
		t.Errorf("native write = %+v", nw)
	}

	view, _ := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0000)
	if view.Value == nil || !view.Value.Equal(modeValue("Up")) {
		t.Errorf("read before confirmation = %v, want Up", view.Value)
	}
	if view.Pending == nil || !view.Pending.Equal(modeValue("Down")) {
		t.Errorf("pending = %v, want Down", view.Pending)
	}

	out, applied := f.sync.ConfirmWrite(f.dev, 1, nw, "op-1")
	reps := reportsOf(out)
	if !applied {
		t.Error("confirmation not applied")
	}
	if len(reps) != 1 || !reps[0].Value.Equal(modeValue("Down")) {
		t.Fatalf("confirmation reports = %+v", reps)
	}

	// The device echoes the value it was just told to take.
	if reps := reportsOf(f.native(t, shadeMode, `"Down"`)); len(reps) != 0 {
		t.Errorf("echo reported again: %+v", reps)
	}
	view, _ = f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0000)
	if view.Pending != nil {
		t.Errorf("pending not cleared: %v", view.Pending)
	}
}

func TestSynchronizerConfirmAfterNewerReport(t *testing.T) {
	f := newSyncFixture(t)
	f.native(t, shadeMode, `"Up"`)

	nw, _, _, err := f.sync.ApplyTargetWrite(f.dev, f.entry, clusterShade, 0x0000, json.RawMessage(`"Down"`), "op-3")
	if err != nil {
		t.Fatalf("ApplyTargetWrite: %v", err)
	}
	f.native(t, shadeMode, `"Down"`)
	f.native(t, shadeMode, `"Up"`)

	out, applied := f.sync.ConfirmWrite(f.dev, 1, nw, "op-3")
	if applied || len(out) != 0 {
		t.Errorf("stale confirmation applied=%v events=%+v", applied, out)
	}
	view, _ := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0000)
	if view.Value == nil || !view.Value.Equal(modeValue("Up")) || view.Pending != nil {
		t.Errorf("value=%v pending=%v, want Up with nothing pending", view.Value, view.Pending)
	}
}

func TestSynchronizerConfirmAfterUnrepresentableReport(t *testing.T) {
	f := newSyncFixture(t)
	f.native(t, shadeMode, `"Up"`)

	nw, _, _, err := f.sync.ApplyTargetWrite(f.dev, f.entry, clusterShade, 0x0000, json.RawMessage(`"Down"`), "op-4")
	if err != nil {
		t.Fatalf("ApplyTargetWrite: %v", err)
	}
	if _, err := f.sync.ApplyNativeUpdate(f.dev, 1, nativeShade, shadeMode, json.RawMessage(`"SidewaysNew"`)); !errors.Is(err, ErrUnrepresentable) {
		t.Fatalf("err = %v, want ErrUnrepresentable", err)
	}
	if _, applied := f.sync.ConfirmWrite(f.dev, 1, nw, "op-4"); applied {
		t.Error("confirmation overrode a newer native value")
	}
	if _, err := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0000); !errors.Is(err, ErrUnsupportedAttribute) {
		t.Errorf("read err = %v, want ErrUnsupportedAttribute", err)
	}
}

func TestSynchronizerGapRecoveryReports(t *testing.T) {
	f := newSyncFixture(t)
	if reps := reportsOf(f.native(t, shadeMode, `"Up"`)); len(reps) != 1 {
		t.Fatalf("initial reports = %d, want 1", len(reps))
	}
	if _, err := f.sync.ApplyNativeUpdate(f.dev, 1, nativeShade, shadeMode, json.RawMessage(`"SidewaysNew"`)); !errors.Is(err, ErrUnrepresentable) {
		t.Fatalf("err = %v, want ErrUnrepresentable", err)
	}
	if len(f.sync.Gaps()) == 0 {
		t.Fatal("no gap recorded")
	}

	reps := reportsOf(f.native(t, shadeMode, `"Up"`))
	if len(reps) != 1 || !reps[0].Value.Equal(modeValue("Up")) {
		t.Errorf("reports on recovery = %+v, want Up", reps)
	}
	if g := f.sync.Gaps(); len(g) != 0 {
		t.Errorf("gaps after recovery = %+v", g)
	}
	if reps := reportsOf(f.native(t, shadeMode, `"Up"`)); len(reps) != 0 {
		t.Errorf("repeat after recovery reported: %+v", reps)
	}
}

func TestSynchronizerWriteRejected(t *testing.T) {
	f := newSyncFixture(t)
	f.native(t, shadeMode, `"Up"`)

	nw, _, _, err := f.sync.ApplyTargetWrite(f.dev, f.entry, clusterShade, 0x0000, json.RawMessage(`"Down"`), "op-2")
	if err != nil {
		t.Fatalf("ApplyTargetWrite: %v", err)
	}
	f.sync.RejectWrite(f.dev, 1, nw, "op-2")

	view, _ := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0000)
	if view.Pending != nil {
		t.Error("pending value survived the rejection")
	}
	if !view.Value.Equal(modeValue("Up")) {
		t.Errorf("value = %v, want Up", view.Value)
	}
}

func TestSynchronizerUnrepresentable(t *testing.T) {
	f := newSyncFixture(t)
	f.native(t, shadeMode, `"Up"`)

	out, err := f.sync.ApplyNativeUpdate(f.dev, 1, nativeShade, shadeMode, json.RawMessage(`"SidewaysNew"`))
	if !errors.Is(err, ErrUnrepresentable) {
		t.Fatalf("err = %v, want ErrUnrepresentable", err)
	}
	if len(out) != 1 || out[0].Type != EventCapabilityGap {
		t.Fatalf("events = %+v, want one capability gap", out)
	}
	gap := out[0].Data.(CapabilityGap)
	if gap.Attribute == nil || *gap.Attribute != shadeMode || gap.Endpoint != f.entry.ID {
		t.Errorf("gap = %+v", gap)
	}

	// Recorded once, not on every report.
	out, _ = f.sync.ApplyNativeUpdate(f.dev, 1, nativeShade, shadeMode, json.RawMessage(`"SidewaysNew"`))
	if len(out) != 0 {
		t.Errorf("repeated gap produced %d events", len(out))
	}

	if _, err := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0000); !errors.Is(err, ErrUnsupportedAttribute) {
		t.Errorf("read of unmappable value: err = %v", err)
	}
	for _, v := range f.sync.EndpointAttributes(f.dev, f.entry) {
		if v.Cluster == clusterShade && v.Attribute == 0x0000 {
			t.Error("unmappable attribute listed")
		}
	}

	// The rest of the device keeps working.
	if reps := reportsOf(f.native(t, shadePosition, `55`)); len(reps) != 1 {
		t.Errorf("position reports = %d, want 1", len(reps))
	}

	// A representable value clears the gap.
	if reps := reportsOf(f.native(t, shadeMode, `"Down"`)); len(reps) != 1 {
		t.Errorf("mode reports after recovery = %d, want 1", len(reps))
	}
	for _, g := range f.sync.Gaps() {
		if g.Attribute != nil && *g.Attribute == shadeMode {
			t.Error("gap still recorded after recovery")
		}
	}
}

func TestSynchronizerUnmappedEndpoint(t *testing.T) {
	f := newSyncFixture(t)

	// Endpoint 2 is known natively but has not been assigned a target ID.
	out, err := f.sync.ApplyNativeUpdate(f.dev, 2, 0x0402, 0x0000, json.RawMessage(`2150`))
	if err != nil {
		t.Fatalf("ApplyNativeUpdate: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("unmapped endpoint reported: %+v", out)
	}
	if _, err := f.sync.ApplyNativeUpdate(f.dev, 9, 0x0402, 0x0000, json.RawMessage(`1`)); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown endpoint: err = %v", err)
	}
}

func TestSynchronizerWriteRejects(t *testing.T) {
	f := newSyncFixture(t)

	tests := []struct {
		name    string
		cluster uint32
		attr    uint32
		raw     string
		want    error
	}{
		{"cluster not on endpoint", datamodel.ClusterOnOff, 0x4003, `"On"`, ErrNotFound},
		{"read-only", clusterShade, 0x0001, `5`, ErrUnsupportedWrite},
		{"unknown label", clusterShade, 0x0000, `"Sideways"`, ErrConstraint},
		{"local read-only", datamodel.ClusterBridgedDeviceBasicInformation, 0x0001, `"Acme"`, ErrUnsupportedWrite},
		{"label too long", datamodel.ClusterBridgedDeviceBasicInformation, 0x0005, `"` + strings.Repeat("x", 33) + `"`, ErrConstraint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := f.sync.ApplyTargetWrite(f.dev, f.entry, tt.cluster, tt.attr, json.RawMessage(tt.raw), "op")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSynchronizerLocalAttributes(t *testing.T) {
	f := newSyncFixture(t)

	out := f.sync.RefreshLocal(f.dev)
	if n := len(reportsOf(out)); n != 6 {
		t.Fatalf("initial local reports = %d, want 6", n)
	}
	if out := f.sync.RefreshLocal(f.dev); len(out) != 0 {
		t.Errorf("unchanged refresh produced %d events", len(out))
	}

	view, err := f.sync.ReadAttribute(f.dev, f.entry, datamodel.ClusterBridgedDeviceBasicInformation, attrUniqueID)
	if err != nil || view.Value.V != f.dev.IEEEAddress {
		t.Errorf("UniqueID = %v, %v", view.Value, err)
	}

	f.dev.Liveness = LivenessOffline
	out = f.sync.RefreshLocal(f.dev)
	var sawReport, sawEvent bool
	for _, e := range out {
		switch d := e.Data.(type) {
		case AttributeReport:
			sawReport = d.Attribute == attrReachable && d.Value.V == false
		case ClusterEvent:
			sawEvent = d.Name == "ReachableChanged" && d.Data["ReachableNewValue"] == false
		}
	}
	if !sawReport || !sawEvent {
		t.Errorf("reachability change: report=%v event=%v", sawReport, sawEvent)
	}

	_, local, out, err := f.sync.ApplyTargetWrite(f.dev, f.entry, datamodel.ClusterBridgedDeviceBasicInformation,
		attrNodeLabel, json.RawMessage(`"Bedroom blind"`), "op")
	if err != nil || !local {
		t.Fatalf("node label write: local=%v err=%v", local, err)
	}
	if f.dev.Label != "Bedroom blind" {
		t.Errorf("label = %q", f.dev.Label)
	}
	if reps := reportsOf(out); len(reps) != 1 || reps[0].Value.V != "Bedroom blind" {
		t.Errorf("node label reports = %+v", reps)
	}
}

func TestSynchronizerRestoreValue(t *testing.T) {
	f := newSyncFixture(t)
	f.sync.RestoreValue(f.dev, 1, nativeShade, shadePosition, json.RawMessage(`30`))

	view, err := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0001)
	if err != nil {
		t.Fatalf("ReadAttribute: %v", err)
	}
	if n, _ := view.Value.Int(); n != 30 {
		t.Errorf("restored value = %v", view.Value)
	}
	if reps := reportsOf(f.native(t, shadePosition, `30`)); len(reps) != 0 {
		t.Error("restored value reported again")
	}
	if reps := reportsOf(f.native(t, shadePosition, `31`)); len(reps) != 1 {
		t.Error("change after restore not reported")
	}
}

func TestSynchronizerMarkUnsupported(t *testing.T) {
	f := newSyncFixture(t)

	out := f.sync.MarkUnsupported(f.dev, 1, nativeShade, shadePosition, "device reports UNSUPPORTED_ATTRIBUTE")
	if len(out) != 1 {
		t.Fatalf("events = %d, want 1", len(out))
	}
	if _, err := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0001); !errors.Is(err, ErrUnsupportedAttribute) {
		t.Errorf("err = %v", err)
	}

	// No value yet is not the same as unsupported.
	if _, err := f.sync.ReadAttribute(f.dev, f.entry, clusterShade, 0x0000); !errors.Is(err, ErrNotFound) {
		t.Errorf("unread attribute: err = %v", err)
	}

	f.sync.ForgetDevice(f.dev.IEEEAddress)
	if gaps := f.sync.Gaps(); len(gaps) != 0 {
		t.Errorf("gaps after forget = %+v", gaps)
	}
}
