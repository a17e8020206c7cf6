package datamodel

import (
	"log/slog"
	"os"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(newTestLogger())

	r.Register(ClusterDef{
		ID:   0x0006,
		Name: "OnOff",
		Attributes: []AttributeDef{
			{ID: 0, Name: "OnOff", Type: "bool", Access: AccessRead},
		},
	})

	got := r.Get(0x0006)
	if got == nil {
		t.Fatal("cluster not found")
	}
	if got.Name != "OnOff" {
		t.Errorf("name = %q, want %q", got.Name, "OnOff")
	}
	if len(got.Attributes) != 1 {
		t.Errorf("attrs = %d, want 1", len(got.Attributes))
	}
	if r.GetByName("onoff") == nil {
		t.Error("GetByName is case-sensitive")
	}
}

func TestRegistryMerge(t *testing.T) {
	r := NewRegistry(newTestLogger())

	r.Register(ClusterDef{
		ID:   0x0006,
		Name: "OnOff",
		Attributes: []AttributeDef{
			{ID: 0, Name: "OnOff", Type: "bool", Access: AccessRead},
		},
	})
	r.Register(ClusterDef{
		ID: 0x0006,
		Attributes: []AttributeDef{
			{ID: 0x4003, Name: "StartUpOnOff", Type: "OnOff.StartUpOnOffEnum", Access: AccessRead | AccessWrite},
		},
		Commands: []CommandDef{{ID: 0x02, Name: "Toggle"}},
	})

	got := r.Get(0x0006)
	if len(got.Attributes) != 2 {
		t.Errorf("after merge: attrs = %d, want 2", len(got.Attributes))
	}
	attr := got.FindAttribute(0x4003)
	if attr == nil {
		t.Fatal("merged attribute not found")
	}
	if !attr.IsWritable() {
		t.Error("StartUpOnOff should be writable")
	}
	if got.FindCommandByName("toggle") == nil {
		t.Error("merged command not found")
	}
}

func TestRegistryGetIsCopy(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(ClusterDef{
		ID:       0x0008,
		Name:     "LevelControl",
		Commands: []CommandDef{{ID: 0, Name: "MoveToLevel", Fields: []FieldDef{{Name: "Level", Type: "uint8"}}}},
	})

	c := r.Get(0x0008)
	c.Commands[0].Fields[0].Name = "mutated"

	if got := r.Get(0x0008).Commands[0].Fields[0].Name; got != "Level" {
		t.Errorf("registry mutated through copy: %q", got)
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(ClusterDef{ID: 3, Name: "C"})
	r.Register(ClusterDef{ID: 1, Name: "A"})
	r.Register(ClusterDef{ID: 2, Name: "B"})

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("got %d clusters, want 3", len(all))
	}
	for i, c := range all {
		if c.ID != uint32(i+1) {
			t.Errorf("all[%d].ID = %d", i, c.ID)
		}
	}
}

func TestRangeContains(t *testing.T) {
	var unbounded *Range
	if !unbounded.Contains(-5) {
		t.Error("nil range should contain everything")
	}
	r := Bounds(1, 254)
	if r.Contains(0) || !r.Contains(1) || !r.Contains(254) || r.Contains(255) {
		t.Error("Bounds(1, 254) boundaries wrong")
	}
}

func TestClassifyEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		clusters []uint32
		want     DeviceType
		ok       bool
	}{
		{"plug", []uint32{ClusterOnOff}, DeviceTypeOnOffPlugIn, true},
		{"dimmer", []uint32{ClusterOnOff, ClusterLevelControl}, DeviceTypeDimmableLight, true},
		{"color", []uint32{ClusterOnOff, ClusterLevelControl, ClusterColorControl}, DeviceTypeExtendedColorLight, true},
		{"climate", []uint32{ClusterTemperatureMeasurement, ClusterRelativeHumidityMeasurement}, DeviceTypeTemperatureSensor, true},
		{"blind", []uint32{ClusterWindowCovering, ClusterPowerSource}, DeviceTypeWindowCovering, true},
		{"battery only", []uint32{ClusterPowerSource}, DeviceType{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClassifyEndpoint(tt.clusters)
			if got != tt.want || ok != tt.ok {
				t.Errorf("got %v,%v want %v,%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(ClusterDef{
		ID:         0x0006,
		Name:       "OnOff",
		Attributes: []AttributeDef{{ID: 0x0000, Name: "OnOff"}},
		Commands:   []CommandDef{{ID: 0x01, Name: "On"}},
	})

	for _, s := range []string{"OnOff", "onoff", "6", "0x0006"} {
		if c := r.Lookup(s); c == nil || c.ID != 0x0006 {
			t.Errorf("Lookup(%q) = %v", s, c)
		}
	}
	if c := r.Lookup("Nope"); c != nil {
		t.Errorf("Lookup(Nope) = %v, want nil", c)
	}

	c := r.Lookup("OnOff")
	if id, ok := c.LookupAttribute("onoff"); !ok || id != 0 {
		t.Errorf("LookupAttribute(onoff) = %d, %v", id, ok)
	}
	if id, ok := c.LookupAttribute("0x4003"); !ok || id != 0x4003 {
		t.Errorf("LookupAttribute(0x4003) = %d, %v", id, ok)
	}
	if id, ok := c.LookupCommand("On"); !ok || id != 0x01 {
		t.Errorf("LookupCommand(On) = %d, %v", id, ok)
	}
	if _, ok := c.LookupCommand("Toggle"); ok {
		t.Error("LookupCommand(Toggle) should fail")
	}
}
