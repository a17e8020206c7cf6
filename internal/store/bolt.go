package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")
	bucketMappings = []byte("mappings")
	bucketMeta     = []byte("meta")
	keyNextEP      = []byte("next_endpoint_id")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketMappings, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func endpointKey(id uint16) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], id)
	return k[:]
}

func mustBucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b, err := mustBucket(tx, bucket)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%x: %w", bucket, key, err)
	}
	return b.Put(key, data)
}

func deleteKey(tx *bolt.Tx, bucket, key []byte) error {
	b, err := mustBucket(tx, bucket)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// listJSON decodes every value in bucket in key order.
func listJSON[T any](tx *bolt.Tx, bucket []byte) ([]*T, error) {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, nil
	}
	out := make([]*T, 0, b.Stats().KeyN)
	err := b.ForEach(func(k, v []byte) error {
		item := new(T)
		if err := json.Unmarshal(v, item); err != nil {
			return fmt.Errorf("decode %s/%x: %w", bucket, k, err)
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDevices, []byte(dev.IEEEAddress), dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	dev := new(Device)
	err := s.db.View(func(tx *bolt.Tx) error {
		return getDevice(tx, ieee, dev)
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func getDevice(tx *bolt.Tx, ieee string, dev *Device) error {
	b, err := mustBucket(tx, bucketDevices)
	if err != nil {
		return err
	}
	data := b.Get([]byte(ieee))
	if data == nil {
		return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	return json.Unmarshal(data, dev)
}

// UpdateDevice runs fn on the stored record inside one write transaction.
// An error from fn aborts the update.
func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var dev Device
		if err := getDevice(tx, ieee, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		// fn must not re-key the record.
		dev.IEEEAddress = ieee
		return putJSON(tx, bucketDevices, []byte(ieee), &dev)
	})
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteKey(tx, bucketDevices, []byte(ieee))
	})
}

func (s *BoltStore) ListDevices() (devices []*Device, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		devices, err = listJSON[Device](tx, bucketDevices)
		return err
	})
	return devices, err
}

func (s *BoltStore) SaveMapping(m *Mapping) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketMappings, endpointKey(m.EndpointID), m)
	})
}

func (s *BoltStore) DeleteMapping(endpointID uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteKey(tx, bucketMappings, endpointKey(endpointID))
	})
}

// ListMappings returns all mapping entries ordered by endpoint ID; keys are
// big-endian so bolt's byte order is numeric order.
func (s *BoltStore) ListMappings() (mappings []*Mapping, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		mappings, err = listJSON[Mapping](tx, bucketMappings)
		return err
	})
	return mappings, err
}

func (s *BoltStore) SaveNextEndpointID(next uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := mustBucket(tx, bucketMeta)
		if err != nil {
			return err
		}
		return b.Put(keyNextEP, endpointKey(next))
	})
}

func (s *BoltStore) GetNextEndpointID() (next uint16, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := mustBucket(tx, bucketMeta)
		if err != nil {
			return err
		}
		data := b.Get(keyNextEP)
		if len(data) != 2 {
			return fmt.Errorf("next endpoint id: %w", ErrNotFound)
		}
		next = binary.BigEndian.Uint16(data)
		return nil
	})
	return next, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
