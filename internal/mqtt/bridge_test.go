//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/datamodel"
	"zigbee-matter-bridge/internal/datamodel/clusters"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	ep          bridge.EndpointID
	cluster     uint32
	id          uint32
	payload     string
	correlation string
}

type fakeTarget struct {
	events    *bridge.EventBus
	schema    *datamodel.Registry
	endpoints []bridge.EndpointInfo
	err       error

	mu      sync.Mutex
	invokes []call
	writes  []call
}

func newFakeTarget() *fakeTarget {
	schema := datamodel.NewRegistry(newTestLogger())
	for _, c := range clusters.Standard {
		schema.Register(c)
	}
	return &fakeTarget{events: bridge.NewEventBus(newTestLogger()), schema: schema}
}

func (f *fakeTarget) Events() *bridge.EventBus         { return f.events }
func (f *fakeTarget) Schema() *datamodel.Registry      { return f.schema }
func (f *fakeTarget) Endpoints() []bridge.EndpointInfo { return f.endpoints }

func (f *fakeTarget) InvokeCommand(ep bridge.EndpointID, cluster, command uint32, payload json.RawMessage, corr string) (*bridge.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.invokes = append(f.invokes, call{ep, cluster, command, string(payload), corr})
	return &bridge.Operation{ID: "op-1", CorrelationID: corr}, nil
}

func (f *fakeTarget) WriteAttribute(ep bridge.EndpointID, cluster, attr uint32, value json.RawMessage, corr string) (*bridge.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.writes = append(f.writes, call{ep, cluster, attr, string(value), corr})
	return &bridge.Operation{ID: "op-2", CorrelationID: corr}, nil
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type pubRecorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *pubRecorder) publish(topic string, payload []byte, retained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, payload, retained})
}

func (r *pubRecorder) last(topic string) (published, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].topic == topic {
			return r.msgs[i], true
		}
	}
	return published{}, false
}

func newTestBridge(t *testing.T, discovery bool) (*Bridge, *fakeTarget, *pubRecorder) {
	t.Helper()
	target := newFakeTarget()
	rec := &pubRecorder{}
	b := newBridge(target, Config{TopicPrefix: "mb", Discovery: discovery}, newTestLogger())
	b.pub = rec.publish
	b.Start()
	t.Cleanup(b.Stop)
	return b, target, rec
}

func lightEndpoint() bridge.EndpointInfo {
	return bridge.EndpointInfo{
		Endpoint:   3,
		DeviceID:   "0x000B57FFFE8C1234",
		Index:      1,
		DeviceType: datamodel.DeviceTypeDimmableLight,
		Clusters:   []uint32{datamodel.ClusterOnOff, datamodel.ClusterLevelControl, datamodel.ClusterBridgedDeviceBasicInformation},
		Label:      "Desk Lamp",
		Reachable:  true,
	}
}

func TestPublishReport(t *testing.T) {
	_, target, rec := newTestBridge(t, false)

	target.events.Emit(bridge.Event{Type: bridge.EventAttributeReport, Data: bridge.AttributeReport{
		Endpoint:      3,
		Cluster:       datamodel.ClusterLevelControl,
		ClusterName:   "LevelControl",
		Attribute:     0x0000,
		AttributeName: "CurrentLevel",
		Value:         codec.Value{Tag: "uint8", V: uint64(128)},
		Seq:           4,
		Time:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})

	msg, ok := rec.last("mb/3/LevelControl/CurrentLevel")
	if !ok {
		t.Fatal("report not published")
	}
	if !msg.retained {
		t.Error("attribute reports must be retained")
	}
	var got struct {
		Value json.RawMessage `json:"value"`
		Seq   uint64          `json:"seq"`
		Time  string          `json:"time"`
	}
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(got.Value) != "128" || got.Seq != 4 || got.Time != "2026-01-02T03:04:05Z" {
		t.Errorf("payload = %s", msg.payload)
	}
}

func TestEndpointLifecycle(t *testing.T) {
	_, target, rec := newTestBridge(t, true)
	info := lightEndpoint()

	target.events.Emit(bridge.Event{Type: bridge.EventEndpointAdded, Data: info})
	msg, ok := rec.last("mb/3/descriptor")
	if !ok || len(msg.payload) == 0 {
		t.Fatal("descriptor not published")
	}
	var desc bridge.EndpointInfo
	if err := json.Unmarshal(msg.payload, &desc); err != nil {
		t.Fatal(err)
	}
	if desc.DeviceType.Name != "DimmableLight" || len(desc.Clusters) != 3 {
		t.Errorf("descriptor = %+v", desc)
	}
	if _, ok := rec.last("homeassistant/light/bridge_000B57FFFE8C1234_1/light/config"); !ok {
		t.Error("light discovery not published")
	}

	target.events.Emit(bridge.Event{Type: bridge.EventAttributeReport, Data: bridge.AttributeReport{
		Endpoint: 3, ClusterName: "OnOff", AttributeName: "OnOff",
		Value: codec.Value{Tag: "bool", V: true},
	}})
	target.events.Emit(bridge.Event{Type: bridge.EventEndpointRemoved, Data: info})

	for _, topic := range []string{
		"mb/3/descriptor",
		"mb/3/OnOff/OnOff",
		"homeassistant/light/bridge_000B57FFFE8C1234_1/light/config",
	} {
		msg, ok := rec.last(topic)
		if !ok || len(msg.payload) != 0 || !msg.retained {
			t.Errorf("%s not cleared: %+v", topic, msg)
		}
	}
}

func TestBridgeEvents(t *testing.T) {
	_, target, rec := newTestBridge(t, false)

	target.events.Emit(bridge.Event{Type: bridge.EventDeviceState, Data: bridge.DeviceStateChange{
		DeviceID: "0x01", State: bridge.StateActive, Previous: bridge.StateMapped,
	}})
	if msg, ok := rec.last("mb/bridge/devices/0x01"); !ok || !strings.Contains(string(msg.payload), `"active"`) {
		t.Errorf("device state = %s", msg.payload)
	}
	target.events.Emit(bridge.Event{Type: bridge.EventDeviceState, Data: bridge.DeviceStateChange{
		DeviceID: "0x01", State: bridge.StateRemoved,
	}})
	if msg, _ := rec.last("mb/bridge/devices/0x01"); len(msg.payload) != 0 {
		t.Errorf("removed device state not cleared: %s", msg.payload)
	}

	target.events.Emit(bridge.Event{Type: bridge.EventCommandResult, Data: bridge.OperationResult{
		ID: "op-9", CorrelationID: "c-1", Status: bridge.StatusTimeout,
	}})
	msg, ok := rec.last("mb/bridge/response")
	if !ok || msg.retained {
		t.Fatalf("response = %+v", msg)
	}
	var res bridge.OperationResult
	if err := json.Unmarshal(msg.payload, &res); err != nil {
		t.Fatal(err)
	}
	if res.CorrelationID != "c-1" || res.Status != bridge.StatusTimeout {
		t.Errorf("response = %+v", res)
	}

	target.events.Emit(bridge.Event{Type: bridge.EventClusterEvent, Data: bridge.ClusterEvent{
		Endpoint: 3, ClusterName: "BridgedDeviceBasicInformation", Name: "ReachableChanged",
	}})
	if _, ok := rec.last("mb/3/BridgedDeviceBasicInformation/event/ReachableChanged"); !ok {
		t.Error("cluster event not published")
	}
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		payload  string
		wantKind string
		wantCall call
		keepCorr bool
	}{
		{
			name: "invoke by name", topic: "mb/3/LevelControl/command/MoveToLevel",
			payload:  `{"fields":{"Level":10},"correlation_id":"c-1"}`,
			wantKind: "invoke", keepCorr: true,
			wantCall: call{3, datamodel.ClusterLevelControl, 0x00, `{"Level":10}`, "c-1"},
		},
		{
			name: "invoke by id", topic: "mb/3/0x0006/command/0x02",
			wantKind: "invoke",
			wantCall: call{3, datamodel.ClusterOnOff, 0x02, "", ""},
		},
		{
			name: "bare command name", topic: "mb/3/OnOff/command", payload: "On",
			wantKind: "invoke",
			wantCall: call{3, datamodel.ClusterOnOff, 0x01, "", ""},
		},
		{
			name: "write", topic: "mb/7/LevelControl/OnLevel/set",
			payload:  `{"value":200,"correlation_id":"w-1"}`,
			wantKind: "write", keepCorr: true,
			wantCall: call{7, datamodel.ClusterLevelControl, 0x0011, "200", "w-1"},
		},
		{
			name: "write enum label", topic: "mb/7/Thermostat/SystemMode/set",
			payload:  `{"value":"Cool"}`,
			wantKind: "write",
			wantCall: call{7, datamodel.ClusterThermostat, 0x001C, `"Cool"`, ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, target, rec := newTestBridge(t, false)
			b.handleMessage(tt.topic, []byte(tt.payload))

			var calls []call
			if tt.wantKind == "invoke" {
				calls = target.invokes
			} else {
				calls = target.writes
			}
			if len(calls) != 1 {
				t.Fatalf("calls = %+v", calls)
			}
			got := calls[0]
			if got.correlation == "" {
				t.Error("missing correlation id")
			}
			if !tt.keepCorr {
				got.correlation = ""
			}
			if got != tt.wantCall {
				t.Errorf("call = %+v, want %+v", got, tt.wantCall)
			}
			if _, ok := rec.last("mb/bridge/response"); ok {
				t.Error("accepted request answered synchronously")
			}
		})
	}
}

func TestHandleMessageRejects(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		err     error
		want    bridge.Status
	}{
		{"unknown cluster", "mb/3/Nope/command/On", "", nil, bridge.StatusNotFound},
		{"unknown command", "mb/3/OnOff/command/Explode", "", nil, bridge.StatusUnsupportedCommand},
		{"unknown attribute", "mb/3/OnOff/Nope/set", `{"value":1}`, nil, bridge.StatusUnsupportedAttribute},
		{"write without value", "mb/3/LevelControl/OnLevel/set", `200`, nil, bridge.StatusInvalidCommand},
		{"malformed invoke", "mb/3/OnOff/command/On", `{`, nil, bridge.StatusInvalidCommand},
		{"controller error", "mb/3/OnOff/command/On", "", fmt.Errorf("wrapped: %w", bridge.ErrOffline), bridge.StatusUnreachable},
		{"constraint", "mb/3/LevelControl/command/MoveToLevel", `{"fields":{"Level":255}}`,
			fmt.Errorf("Level: %w", bridge.ErrConstraint), bridge.StatusConstraintError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, target, rec := newTestBridge(t, false)
			target.err = tt.err
			b.handleMessage(tt.topic, []byte(tt.payload))

			msg, ok := rec.last("mb/bridge/response")
			if !ok {
				t.Fatal("no response published")
			}
			var res bridge.OperationResult
			if err := json.Unmarshal(msg.payload, &res); err != nil {
				t.Fatal(err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s (%s)", res.Status, tt.want, res.Error)
			}
			if res.Error == "" {
				t.Error("error text missing")
			}
		})
	}
}

func TestHandleMessageIgnoresForeignTopics(t *testing.T) {
	b, target, rec := newTestBridge(t, false)
	b.handleMessage("other/3/OnOff/command/On", nil)
	b.handleMessage("mb/x/OnOff/command/On", nil)
	b.handleMessage("mb/3", nil)
	if len(target.invokes) != 0 || len(target.writes) != 0 {
		t.Error("foreign topic reached the controller")
	}
	if _, ok := rec.last("mb/bridge/response"); ok {
		t.Error("foreign topic answered")
	}
}

func TestStopPublishesOffline(t *testing.T) {
	target := newFakeTarget()
	rec := &pubRecorder{}
	b := newBridge(target, Config{TopicPrefix: "mb"}, newTestLogger())
	b.pub = rec.publish
	b.Start()
	b.Stop()

	msg, ok := rec.last("mb/bridge/state")
	if !ok || string(msg.payload) != "offline" || !msg.retained {
		t.Errorf("bridge state = %+v", msg)
	}
	target.events.Emit(bridge.Event{Type: bridge.EventAttributeReport, Data: bridge.AttributeReport{
		Endpoint: 1, ClusterName: "OnOff", AttributeName: "OnOff",
	}})
	if _, ok := rec.last("mb/1/OnOff/OnOff"); ok {
		t.Error("published after Stop")
	}
}
