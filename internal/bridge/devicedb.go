package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"zigbee-matter-bridge/internal/datamodel"
)

// ManufacturerGroup groups device models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string             `json:"name"`
	Models []DeviceDefinition `json:"models"`
}

// DeviceDefinition adjusts how a specific device model is bridged.
type DeviceDefinition struct {
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	FriendlyName string   `json:"friendly_name,omitempty"`
	Exclude      []uint16 `json:"exclude,omitempty"` // native clusters never exposed
}

// DeviceDB holds device definitions keyed by manufacturer+model, plus
// extra cluster bindings loaded alongside them.
type DeviceDB struct {
	defs     map[string]*DeviceDefinition
	bindings []ClusterBinding
}

func deviceKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[string]*DeviceDefinition)}
}

// Add inserts a device definition into the database.
func (db *DeviceDB) Add(def DeviceDefinition) {
	cp := def
	db.defs[deviceKey(def.Manufacturer, def.Model)] = &cp
}

// Lookup finds a device definition by manufacturer and model.
func (db *DeviceDB) Lookup(manufacturer, model string) *DeviceDefinition {
	if db == nil {
		return nil
	}
	return db.defs[deviceKey(manufacturer, model)]
}

// Len returns the number of device definitions.
func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// Bindings returns the cluster bindings loaded from device files.
func (db *DeviceDB) Bindings() []ClusterBinding {
	if db == nil {
		return nil
	}
	return slices.Clone(db.bindings)
}

// Excludes reports whether a definition hides a native cluster.
func (d *DeviceDefinition) Excludes(cluster uint16) bool {
	return d != nil && slices.Contains(d.Exclude, cluster)
}

// deviceFile is the JSON structure for files in the devices directory.
type deviceFile struct {
	Clusters      []datamodel.ClusterDef `json:"clusters,omitempty"`
	Bindings      []ClusterBinding       `json:"bindings,omitempty"`
	Devices       []DeviceDefinition     `json:"devices,omitempty"`
	Manufacturers []ManufacturerGroup    `json:"manufacturers,omitempty"`
}

// LoadDeviceDir reads all *.json files from a directory, registering custom
// target clusters into the schema and loading device definitions and
// bindings into a DeviceDB. Returns an empty DeviceDB (not an error) if the
// directory doesn't exist or is empty.
func LoadDeviceDir(dir string, schema *datamodel.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := json.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, c := range df.Clusters {
			schema.Register(c)
		}
		db.bindings = append(db.bindings, df.Bindings...)
		for _, d := range df.Devices {
			db.Add(d)
		}
		for _, mg := range df.Manufacturers {
			for _, d := range mg.Models {
				d.Manufacturer = mg.Name
				db.Add(d)
			}
		}

		deviceCount := len(df.Devices)
		for _, mg := range df.Manufacturers {
			deviceCount += len(mg.Models)
		}
		logger.Info("loaded device file", "path", filepath.Base(path),
			"clusters", len(df.Clusters), "bindings", len(df.Bindings), "devices", deviceCount)
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return db, nil
}
