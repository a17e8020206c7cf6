package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// Mapping entries, keyed by target endpoint ID
	SaveMapping(m *Mapping) error
	DeleteMapping(endpointID uint16) error
	ListMappings() ([]*Mapping, error)

	// Endpoint ID high-water mark: the next ID the mapper may hand out.
	SaveNextEndpointID(next uint16) error
	GetNextEndpointID() (uint16, error)

	// Close the store
	Close() error
}
