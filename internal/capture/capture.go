// Package capture records bridge events to a CBOR file for offline
// inspection. Each record carries the session it was written in, so one
// file can hold several bridge runs.
package capture

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"zigbee-matter-bridge/internal/bridge"
)

// Record is one captured bridge event. CBOR encoding uses integer keys.
type Record struct {
	Timestamp time.Time         `cbor:"1,keyasint"`
	Session   string            `cbor:"2,keyasint"`
	Type      string            `cbor:"3,keyasint"`
	Endpoint  bridge.EndpointID `cbor:"4,keyasint,omitempty"`
	Device    string            `cbor:"5,keyasint,omitempty"`

	// Data is the event payload in its JSON wire shape.
	Data any `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor decoder mode: %v", err))
	}
}

// NewRecord converts a bridge event to a capture record.
func NewRecord(session string, evt bridge.Event, now time.Time) Record {
	rec := Record{
		Timestamp: now,
		Session:   session,
		Type:      evt.Type,
		Endpoint:  evt.Endpoint(),
		Device:    evt.Device(),
	}

	// Round-trip through JSON so enum labels and bitmap lists are captured
	// the way clients see them.
	if data, err := json.Marshal(evt.Data); err == nil {
		var v any
		if json.Unmarshal(data, &v) == nil {
			rec.Data = v
		}
	}
	return rec
}

// Recorder appends bridge events to a capture file. It is safe for
// concurrent use.
type Recorder struct {
	file    *os.File
	encoder *cbor.Encoder
	session string
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	written uint64
}

// NewRecorder opens (or creates) the capture file at path and starts a new
// session.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r := &Recorder{
		file:    f,
		encoder: encMode.NewEncoder(f),
		session: uuid.NewString(),
		logger:  logger.With("component", "capture"),
		now:     time.Now,
	}
	r.logger.Info("capture started", "path", path, "session", r.session)
	return r, nil
}

// Session returns this recorder's session ID.
func (r *Recorder) Session() string {
	return r.session
}

// Attach records every event published on bus. The returned function
// detaches the recorder.
func (r *Recorder) Attach(bus *bridge.EventBus) func() {
	return bus.OnAll(r.Record)
}

// Record writes one event. Encoding errors are logged, not returned.
func (r *Recorder) Record(evt bridge.Event) {
	rec := NewRecord(r.session, evt, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.encoder.Encode(rec); err != nil {
		r.logger.Warn("capture write failed", "err", err, "type", evt.Type)
		return
	}
	r.written++
}

// Written returns how many records this session has written.
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close closes the capture file. Later Record calls are ignored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Info("capture stopped", "session", r.session, "records", r.written)
	return r.file.Close()
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Session  string
	Type     string
	Endpoint bridge.EndpointID
	Device   string
	Since    time.Time
}

func (f Filter) matches(rec Record) bool {
	if f.Session != "" && rec.Session != f.Session {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Endpoint != 0 && rec.Endpoint != f.Endpoint {
		return false
	}
	if f.Device != "" && rec.Device != f.Device {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Reader streams records from a capture file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens a capture file for reading records that match filter.
func NewReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return &Reader{file: f, decoder: decMode.NewDecoder(f), filter: filter}, nil
}

// Next returns the next matching record, or io.EOF at the end of the file.
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if err == io.EOF {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("decode capture record: %w", err)
		}
		if r.filter.matches(rec) {
			return rec, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
