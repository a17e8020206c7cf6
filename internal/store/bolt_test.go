package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		IEEEAddress:  "00158D00012A3B4C",
		Manufacturer: "LUMI",
		Model:        "lumi.sensor_magnet.aq2",
		JoinedAt:     time.Now().Truncate(time.Millisecond),
		LastSeen:     time.Now().Truncate(time.Millisecond),
		Endpoints: []Endpoint{
			{ID: 1, ProfileID: 0x0104, DeviceID: 0x0015, Clusters: []Cluster{{ID: 0x0006, Attributes: []uint16{0}}}},
		},
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEEAddress)
	if err != nil {
		t.Fatal(err)
	}

	if got.IEEEAddress != dev.IEEEAddress {
		t.Errorf("ieee = %q, want %q", got.IEEEAddress, dev.IEEEAddress)
	}
	if got.Manufacturer != dev.Manufacturer {
		t.Errorf("manufacturer = %q, want %q", got.Manufacturer, dev.Manufacturer)
	}
	if got.Model != dev.Model {
		t.Errorf("model = %q, want %q", got.Model, dev.Model)
	}
	if len(got.Endpoints) != 1 {
		t.Fatalf("endpoints = %d, want 1", len(got.Endpoints))
	}
	if got.Endpoints[0].Clusters[0].ID != 0x0006 {
		t.Errorf("cluster = 0x%04X, want 0x0006", got.Endpoints[0].Clusters[0].ID)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEEAddress: "00158D00012A3B4C"}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.IEEEAddress)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{IEEEAddress: "0000000000000001"},
		{IEEEAddress: "0000000000000002"},
		{IEEEAddress: "0000000000000003"},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, d := range list {
		found[d.IEEEAddress] = true
	}
	for _, d := range devs {
		if !found[d.IEEEAddress] {
			t.Errorf("device %s not in list", d.IEEEAddress)
		}
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{IEEEAddress: "AA"}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("AA", func(d *Device) error {
		d.SetValue(1, 0x0006, 0x0000, json.RawMessage(`false`))
		d.SetValue(1, 0x0006, 0x0000, json.RawMessage(`true`))
		d.SetValue(1, 0x0008, 0x0000, json.RawMessage(`128`))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("AA")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Values) != 2 {
		t.Fatalf("values = %d, want 2", len(got.Values))
	}
	if string(got.Values[0].Value) != "true" {
		t.Errorf("onoff = %s, want true", got.Values[0].Value)
	}

	if err := s.UpdateDevice("BB", func(*Device) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDeviceAbortAndRekey(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{IEEEAddress: "AA", Manufacturer: "IKEA"}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.UpdateDevice("AA", func(d *Device) error {
		d.Manufacturer = "changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if got, _ := s.GetDevice("AA"); got.Manufacturer != "IKEA" {
		t.Errorf("aborted update persisted: %q", got.Manufacturer)
	}

	if err := s.UpdateDevice("AA", func(d *Device) error {
		d.IEEEAddress = "CC"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice("CC"); !errors.Is(err, ErrNotFound) {
		t.Errorf("update re-keyed the record: err = %v", err)
	}
	if got, err := s.GetDevice("AA"); err != nil || got.IEEEAddress != "AA" {
		t.Errorf("GetDevice(AA) = %+v, %v", got, err)
	}
}

func TestMappings(t *testing.T) {
	s := newTestStore(t)

	for _, m := range []*Mapping{
		{EndpointID: 300, IEEEAddress: "AA", Index: 2, Clusters: []uint32{0x0402}},
		{EndpointID: 3, IEEEAddress: "AA", Index: 1, Clusters: []uint32{0x0006, 0x0039}},
	} {
		if err := s.SaveMapping(m); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListMappings()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("mappings = %d, want 2", len(list))
	}
	if list[0].EndpointID != 3 || list[1].EndpointID != 300 {
		t.Errorf("order = %d,%d want 3,300", list[0].EndpointID, list[1].EndpointID)
	}

	if err := s.DeleteMapping(3); err != nil {
		t.Fatal(err)
	}
	list, _ = s.ListMappings()
	if len(list) != 1 || list[0].EndpointID != 300 {
		t.Errorf("after delete: %+v", list)
	}
}

func TestNextEndpointID(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetNextEndpointID(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unset: err = %v, want ErrNotFound", err)
	}
	if err := s.SaveNextEndpointID(42); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetNextEndpointID()
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf("next = %d, want 42", got)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveNextEndpointID(7); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, _ := s.GetNextEndpointID(); got != 7 {
		t.Errorf("next after reopen = %d, want 7", got)
	}
}
