package bridge

import (
	"errors"
	"testing"

	"zigbee-matter-bridge/internal/datamodel"
)

func testResolver(native uint16) (uint32, string, bool) {
	switch native {
	case 0x0006:
		return datamodel.ClusterOnOff, "", true
	case 0x0008:
		return datamodel.ClusterLevelControl, "", true
	case 0x0402:
		return datamodel.ClusterTemperatureMeasurement, "", true
	}
	return 0, "no target binding", false
}

func TestMapperAssign(t *testing.T) {
	m := NewMapper(testResolver)

	e, err := m.Assign("0x0001", 1, []uint16{0x0006, 0x0008, 0x0B04}, datamodel.ClusterBridgedDeviceBasicInformation)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if e.ID != FirstEndpoint {
		t.Errorf("id = %d, want %d", e.ID, FirstEndpoint)
	}
	if e.DeviceType != datamodel.DeviceTypeDimmableLight {
		t.Errorf("device type = %s", e.DeviceType.Name)
	}
	want := []uint32{datamodel.ClusterOnOff, datamodel.ClusterLevelControl, datamodel.ClusterBridgedDeviceBasicInformation}
	if len(e.Clusters) != len(want) {
		t.Fatalf("clusters = %v, want %v", e.Clusters, want)
	}
	for i := range want {
		if e.Clusters[i] != want[i] {
			t.Errorf("clusters[%d] = 0x%04X, want 0x%04X", i, e.Clusters[i], want[i])
		}
	}
	if len(e.Dropped) != 1 || e.Dropped[0].Cluster != 0x0B04 {
		t.Errorf("dropped = %+v", e.Dropped)
	}

	dev, idx, err := m.Resolve(e.ID)
	if err != nil || dev != "0x0001" || idx != 1 {
		t.Errorf("Resolve = %s/%d, %v", dev, idx, err)
	}
}

func TestMapperReassignKeepsID(t *testing.T) {
	m := NewMapper(testResolver)
	first, _ := m.Assign("0x0001", 1, []uint16{0x0006})
	m.Assign("0x0002", 1, []uint16{0x0402})

	again, err := m.Assign("0x0001", 1, []uint16{0x0006, 0x0008})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("id changed from %d to %d", first.ID, again.ID)
	}
	if !again.HasCluster(datamodel.ClusterLevelControl) {
		t.Error("cluster set not refreshed")
	}
	if m.Next() != 3 {
		t.Errorf("next = %d, want 3", m.Next())
	}
}

func TestMapperNoClusters(t *testing.T) {
	m := NewMapper(testResolver)
	e, err := m.Assign("0x0001", 1, []uint16{0x0B04}, datamodel.ClusterBridgedDeviceBasicInformation)
	if !errors.Is(err, ErrNoClusters) {
		t.Fatalf("err = %v, want ErrNoClusters", err)
	}
	if len(e.Dropped) != 1 {
		t.Errorf("dropped = %+v", e.Dropped)
	}
	if m.Next() != FirstEndpoint {
		t.Error("an unmapped endpoint must not consume an id")
	}
}

func TestMapperReleaseNeverReuses(t *testing.T) {
	m := NewMapper(testResolver)
	a, _ := m.Assign("0x0001", 1, []uint16{0x0006})

	if _, ok := m.Release("0x0001", 1); !ok {
		t.Fatal("Release should find the entry")
	}
	if _, err := m.Entry(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Entry after release: %v", err)
	}

	b, _ := m.Assign("0x0001", 1, []uint16{0x0006})
	if b.ID == a.ID {
		t.Errorf("released id %d was reused", a.ID)
	}

	seen := map[EndpointID]bool{}
	for _, e := range m.Entries() {
		if seen[e.ID] {
			t.Errorf("id %d shared by two entries", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestMapperDeviceEntries(t *testing.T) {
	m := NewMapper(testResolver)
	m.Assign("0x0001", 2, []uint16{0x0402})
	m.Assign("0x0002", 1, []uint16{0x0006})
	m.Assign("0x0001", 1, []uint16{0x0006})

	entries := m.DeviceEntries("0x0001")
	if len(entries) != 2 || entries[0].Index != 1 || entries[1].Index != 2 {
		t.Errorf("entries = %+v", entries)
	}
	if _, ok := m.Lookup("0x0003", 1); ok {
		t.Error("Lookup of unknown device should fail")
	}
}

func TestMapperReturnsCopies(t *testing.T) {
	m := NewMapper(testResolver)
	e, _ := m.Assign("0x0001", 1, []uint16{0x0006})
	e.Clusters[0] = 0xFFFF

	got, _ := m.Entry(e.ID)
	if got.Clusters[0] != datamodel.ClusterOnOff {
		t.Error("caller mutated mapper state")
	}
}

func TestMapperRestore(t *testing.T) {
	m := NewMapper(testResolver)
	err := m.Restore([]MappingEntry{
		{ID: 4, DeviceID: "0x0001", Index: 1, Clusters: []uint32{datamodel.ClusterOnOff}},
		{ID: 2, DeviceID: "0x0002", Index: 1, Clusters: []uint32{datamodel.ClusterOnOff}},
	}, 3)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if m.Next() != 5 {
		t.Errorf("next = %d, want 5", m.Next())
	}

	e, err := m.Assign("0x0001", 1, []uint16{0x0006})
	if err != nil || e.ID != 4 {
		t.Errorf("restored endpoint reassigned to %d, %v", e.ID, err)
	}
	fresh, _ := m.Assign("0x0003", 1, []uint16{0x0006})
	if fresh.ID != 5 {
		t.Errorf("fresh id = %d, want 5", fresh.ID)
	}
}

func TestMapperRestoreHighWaterMark(t *testing.T) {
	m := NewMapper(testResolver)
	if err := m.Restore(nil, 17); err != nil {
		t.Fatal(err)
	}
	e, _ := m.Assign("0x0001", 1, []uint16{0x0006})
	if e.ID != 17 {
		t.Errorf("id = %d, want 17", e.ID)
	}
}

func TestMapperRestoreInvariant(t *testing.T) {
	tests := []struct {
		name    string
		entries []MappingEntry
	}{
		{"duplicate id", []MappingEntry{
			{ID: 1, DeviceID: "0x0001", Index: 1},
			{ID: 1, DeviceID: "0x0002", Index: 1},
		}},
		{"duplicate endpoint", []MappingEntry{
			{ID: 1, DeviceID: "0x0001", Index: 1},
			{ID: 2, DeviceID: "0x0001", Index: 1},
		}},
		{"root id", []MappingEntry{
			{ID: RootEndpoint, DeviceID: "0x0001", Index: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMapper(testResolver)
			if err := m.Restore(tt.entries, 0); !errors.Is(err, ErrInvariant) {
				t.Errorf("err = %v, want ErrInvariant", err)
			}
		})
	}
}

func TestMapperExhausted(t *testing.T) {
	m := NewMapper(testResolver)
	if err := m.Restore([]MappingEntry{{ID: 0xFFFF, DeviceID: "0x0001", Index: 1}}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Assign("0x0002", 1, []uint16{0x0006}); !errors.Is(err, ErrInvariant) {
		t.Errorf("err = %v, want ErrInvariant", err)
	}
}
