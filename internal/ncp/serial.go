package ncp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Gateway line protocol: one JSON object per line in each direction.
//
//	host -> gateway  {"seq":7,"op":"read","args":{...}}
//	gateway -> host  {"rsp":7,"status":0,"result":{...}}
//	gateway -> host  {"event":"report","data":{...}}

const (
	opDevices = "devices"
	opRead    = "read"
	opWrite   = "write"
	opCommand = "command"

	evtReport       = "report"
	evtJoined       = "joined"
	evtLeft         = "left"
	evtAvailability = "availability"
)

const (
	subscriberBuffer = 256
	indicationBuffer = 64
)

type request struct {
	Seq  uint32 `json:"seq"`
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

type inbound struct {
	Rsp    uint32          `json:"rsp,omitempty"`
	Status uint8           `json:"status"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type availabilityData struct {
	IEEEAddress string `json:"device"`
	Online      bool   `json:"online"`
}

// SerialNCP implements NCP against a Zigbee gateway speaking the JSON line
// protocol over a serial port.
type SerialNCP struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	// Request/response tracking (keyed by seq).
	seq       atomic.Uint32
	pending   map[uint32]chan *inbound
	pendingMu sync.Mutex
	writeMu   sync.Mutex

	// Indication callbacks. They run in order on their own goroutine so a
	// slow callback cannot hold up responses on the read loop.
	indications    chan func()
	handlerMu      sync.RWMutex
	onJoined       func(DeviceJoinedEvent)
	onLeft         func(DeviceLeftEvent)
	onAvailability func(AvailabilityEvent)

	// Per-device report subscribers.
	subsMu  sync.Mutex
	subs    map[string]map[uint64]chan AttributeReportEvent
	nextSub uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens the gateway's serial port and starts reading from it.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialNCP, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial ncp: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS for the gateway firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return NewSerialNCP(port, logger), nil
}

// NewSerialNCP runs the gateway protocol over an already open stream.
func NewSerialNCP(rw io.ReadWriteCloser, logger *slog.Logger) *SerialNCP {
	n := &SerialNCP{
		rw:      rw,
		reader:  bufio.NewReader(rw),
		logger:  logger,
		pending: make(map[uint32]chan *inbound),
		subs:    make(map[string]map[uint64]chan AttributeReportEvent),
		done:    make(chan struct{}),

		indications: make(chan func(), indicationBuffer),
	}
	n.wg.Add(1)
	go n.readLoop()
	// Not tracked by wg: Close must not wait on a callback that is itself
	// waiting for the caller to shut down.
	go n.indicationLoop()
	return n
}

// request sends one request line and waits for the matching response.
func (n *SerialNCP) request(ctx context.Context, op string, args, result any) error {
	seq := n.seq.Add(1)

	ch := make(chan *inbound, 1)
	n.pendingMu.Lock()
	n.pending[seq] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, seq)
		n.pendingMu.Unlock()
	}()

	line, err := json.Marshal(request{Seq: seq, Op: op, Args: args})
	if err != nil {
		return fmt.Errorf("serial ncp: encode %s: %w", op, err)
	}
	line = append(line, '\n')

	n.writeMu.Lock()
	_, err = n.rw.Write(line)
	n.writeMu.Unlock()
	if err != nil {
		select {
		case <-n.done:
			return ErrClosed
		default:
		}
		return fmt.Errorf("serial ncp: write %s: %w", op, err)
	}
	n.logger.Debug("gateway TX", "op", op, "seq", seq)

	select {
	case resp := <-ch:
		if resp == nil {
			return ErrClosed
		}
		if resp.Status != StatusSuccess {
			n.logger.Warn("gateway RX", "op", op, "seq", seq, "status", StatusName(resp.Status), "error", resp.Error)
			return &StatusError{Status: resp.Status, Detail: resp.Error}
		}
		n.logger.Debug("gateway RX", "op", op, "seq", seq)
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("serial ncp: decode %s result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		n.logger.Warn("gateway timeout", "op", op, "seq", seq, "err", ctx.Err())
		return ctx.Err()
	case <-n.done:
		return ErrClosed
	}
}

func (n *SerialNCP) readLoop() {
	defer n.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-n.done:
			return
		default:
		}

		line, err := n.reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-n.done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "closed") {
				n.logger.Error("gateway read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-n.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			n.logger.Warn("gateway decode error", "err", err, "line", strings.TrimSpace(string(line)))
			continue
		}

		switch {
		case msg.Rsp != 0:
			n.pendingMu.Lock()
			ch, ok := n.pending[msg.Rsp]
			n.pendingMu.Unlock()
			if ok {
				select {
				case ch <- &msg:
				default:
				}
			} else {
				n.logger.Warn("gateway orphaned response (too late)", "seq", msg.Rsp, "status", StatusName(msg.Status))
			}
		case msg.Event != "":
			n.handleIndication(&msg)
		default:
			n.logger.Debug("gateway line ignored", "line", strings.TrimSpace(string(line)))
		}
	}
}

// --- Indication handlers ---

func (n *SerialNCP) indicationLoop() {
	for {
		select {
		case fn := <-n.indications:
			fn()
		case <-n.done:
			return
		}
	}
}

// deliver queues a callback for the indication goroutine. A full queue
// blocks the read loop until there is room.
func (n *SerialNCP) deliver(event string, fn func()) {
	select {
	case n.indications <- fn:
		return
	default:
	}
	n.logger.Warn("indication queue full", "event", event)
	select {
	case n.indications <- fn:
	case <-n.done:
	}
}

func (n *SerialNCP) handleIndication(msg *inbound) {
	n.handlerMu.RLock()
	onJoined := n.onJoined
	onLeft := n.onLeft
	onAvailability := n.onAvailability
	n.handlerMu.RUnlock()

	switch msg.Event {
	case evtReport:
		var ev AttributeReportEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			n.logger.Warn("bad report indication", "err", err)
			return
		}
		n.dispatchReport(ev)

	case evtJoined:
		var info DeviceInfo
		if err := json.Unmarshal(msg.Data, &info); err != nil || info.IEEEAddress == "" {
			n.logger.Warn("bad joined indication", "err", err)
			return
		}
		n.logger.Info("device joined", "ieee", info.IEEEAddress, "model", info.Model)
		if onJoined != nil {
			n.deliver(msg.Event, func() { onJoined(DeviceJoinedEvent{Device: info}) })
		}

	case evtLeft:
		var d availabilityData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.IEEEAddress == "" {
			n.logger.Warn("bad left indication", "err", err)
			return
		}
		n.logger.Info("device left", "ieee", d.IEEEAddress)
		if onLeft != nil {
			n.deliver(msg.Event, func() { onLeft(DeviceLeftEvent{IEEEAddress: d.IEEEAddress}) })
		}

	case evtAvailability:
		var d availabilityData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.IEEEAddress == "" {
			n.logger.Warn("bad availability indication", "err", err)
			return
		}
		if onAvailability != nil {
			ev := AvailabilityEvent{IEEEAddress: d.IEEEAddress, Online: d.Online}
			n.deliver(msg.Event, func() { onAvailability(ev) })
		}

	default:
		n.logger.Debug("unhandled indication", "event", msg.Event)
	}
}

func (n *SerialNCP) dispatchReport(ev AttributeReportEvent) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	for _, ch := range n.subs[ev.IEEEAddress] {
		select {
		case ch <- ev:
		default:
			n.logger.Warn("report dropped, subscriber full",
				"ieee", ev.IEEEAddress,
				"cluster", fmt.Sprintf("0x%04X", ev.ClusterID),
				"attr", fmt.Sprintf("0x%04X", ev.AttrID))
		}
	}
}

// --- NCP interface ---

func (n *SerialNCP) Devices(ctx context.Context) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	if err := n.request(ctx, opDevices, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (n *SerialNCP) ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error) {
	var records []AttributeResponse
	if err := n.request(ctx, opRead, req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (n *SerialNCP) WriteAttribute(ctx context.Context, req WriteAttributeRequest) error {
	return n.request(ctx, opWrite, req, nil)
}

func (n *SerialNCP) SendCommand(ctx context.Context, req ClusterCommandRequest) error {
	return n.request(ctx, opCommand, req, nil)
}

func (n *SerialNCP) Subscribe(ctx context.Context, ieee string) (<-chan AttributeReportEvent, error) {
	select {
	case <-n.done:
		return nil, ErrClosed
	default:
	}

	ch := make(chan AttributeReportEvent, subscriberBuffer)
	n.subsMu.Lock()
	id := n.nextSub
	n.nextSub++
	if n.subs[ieee] == nil {
		n.subs[ieee] = make(map[uint64]chan AttributeReportEvent)
	}
	n.subs[ieee][id] = ch
	n.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-n.done:
		}
		n.subsMu.Lock()
		if m, ok := n.subs[ieee]; ok {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(n.subs, ieee)
			}
		}
		n.subsMu.Unlock()
	}()
	return ch, nil
}

func (n *SerialNCP) OnDeviceJoined(handler func(DeviceJoinedEvent)) {
	n.handlerMu.Lock()
	n.onJoined = handler
	n.handlerMu.Unlock()
}

func (n *SerialNCP) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	n.handlerMu.Lock()
	n.onLeft = handler
	n.handlerMu.Unlock()
}

func (n *SerialNCP) OnAvailability(handler func(AvailabilityEvent)) {
	n.handlerMu.Lock()
	n.onAvailability = handler
	n.handlerMu.Unlock()
}

// Close stops the read loop and fails all outstanding requests.
func (n *SerialNCP) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.rw.Close()
		n.wg.Wait()

		n.pendingMu.Lock()
		for seq, ch := range n.pending {
			close(ch)
			delete(n.pending, seq)
		}
		n.pendingMu.Unlock()
	})
	return err
}
