//go:build !no_mqtt

// Package mqtt exposes the bridged endpoints over MQTT.
//
// Topic layout below the configured prefix:
//
//	bridge/state                          online / offline (retained, LWT)
//	bridge/response                       command and write results
//	bridge/devices/<ieee>                 device lifecycle state (retained)
//	bridge/gaps                           capability gaps as they are found
//	<ep>/descriptor                       endpoint descriptor (retained)
//	<ep>/<Cluster>/<Attribute>            attribute reports (retained)
//	<ep>/<Cluster>/<Attribute>/set        write: {"value":..,"correlation_id":..}
//	<ep>/<Cluster>/command/<Command>      invoke: {"fields":{..},"correlation_id":..}
//	<ep>/<Cluster>/command                invoke by bare command name
//	<ep>/<Cluster>/event/<Event>          cluster events
//
// Clusters, attributes and commands are addressed by name or numeric ID.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/datamodel"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	Discovery   bool // publish Home Assistant discovery
}

// Target is the part of the bridge controller the MQTT surface drives.
type Target interface {
	Events() *bridge.EventBus
	Schema() *datamodel.Registry
	Endpoints() []bridge.EndpointInfo
	InvokeCommand(ep bridge.EndpointID, cluster, command uint32, payload json.RawMessage, correlationID string) (*bridge.Operation, error)
	WriteAttribute(ep bridge.EndpointID, cluster, attr uint32, value json.RawMessage, correlationID string) (*bridge.Operation, error)
}

// Bridge connects the target endpoints to MQTT.
type Bridge struct {
	client    pahomqtt.Client
	target    Target
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()

	// pub is replaced in tests.
	pub func(topic string, payload []byte, retained bool)

	// Retained attribute topics per endpoint, cleared on removal.
	mu       sync.Mutex
	retained map[bridge.EndpointID]map[string]struct{}
}

func newBridge(target Target, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		target:    target,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		retained:  make(map[bridge.EndpointID]map[string]struct{}),
	}
	b.pub = b.mqttPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(target Target, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(target, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "matter-bridge"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllEndpoints()
			b.subscribeRequests()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bridge events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.target.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event bridge.Event) {
	switch data := event.Data.(type) {
	case bridge.AttributeReport:
		b.publishReport(data)
	case bridge.EndpointInfo:
		if event.Type == bridge.EventEndpointRemoved {
			b.clearEndpoint(data)
		} else {
			b.publishEndpoint(data)
		}
	case bridge.ClusterEvent:
		topic := fmt.Sprintf("%s/%d/%s/event/%s", b.prefix, data.Endpoint, data.ClusterName, data.Name)
		b.pub(topic, mustJSON(data), false)
	case bridge.DeviceStateChange:
		topic := b.prefix + "/bridge/devices/" + data.DeviceID
		if data.State == bridge.StateRemoved {
			b.pub(topic, nil, true)
		} else {
			b.pub(topic, mustJSON(data), true)
		}
	case bridge.OperationResult:
		b.pub(b.prefix+"/bridge/response", mustJSON(data), false)
	case bridge.CapabilityGap:
		b.pub(b.prefix+"/bridge/gaps", mustJSON(data), false)
	}
}

type reportPayload struct {
	Value json.RawMessage `json:"value"`
	Seq   uint64          `json:"seq"`
	Time  string          `json:"time"`
}

func (b *Bridge) publishReport(r bridge.AttributeReport) {
	value, err := json.Marshal(r.Value)
	if err != nil {
		b.logger.Warn("encode report", "err", err, "endpoint", r.Endpoint,
			"cluster", fmt.Sprintf("0x%04X", r.Cluster), "attr", fmt.Sprintf("0x%04X", r.Attribute))
		return
	}
	topic := attributeTopic(b.prefix, r.Endpoint, r.ClusterName, r.AttributeName)
	b.mu.Lock()
	topics := b.retained[r.Endpoint]
	if topics == nil {
		topics = make(map[string]struct{})
		b.retained[r.Endpoint] = topics
	}
	topics[topic] = struct{}{}
	b.mu.Unlock()

	b.pub(topic, mustJSON(reportPayload{Value: value, Seq: r.Seq, Time: r.Time.Format(time.RFC3339Nano)}), true)
}

func (b *Bridge) publishEndpoint(info bridge.EndpointInfo) {
	b.pub(fmt.Sprintf("%s/%d/descriptor", b.prefix, info.Endpoint), mustJSON(info), true)
	if !b.discovery {
		return
	}
	for _, msg := range buildDiscovery(info, b.prefix) {
		b.pub(msg.Topic, msg.Payload, true)
	}
}

// clearEndpoint deletes every retained message of a removed endpoint.
func (b *Bridge) clearEndpoint(info bridge.EndpointInfo) {
	b.mu.Lock()
	topics := b.retained[info.Endpoint]
	delete(b.retained, info.Endpoint)
	b.mu.Unlock()

	for topic := range topics {
		b.pub(topic, nil, true)
	}
	b.pub(fmt.Sprintf("%s/%d/descriptor", b.prefix, info.Endpoint), nil, true)
	if b.discovery {
		for _, msg := range buildRemoveDiscovery(info) {
			b.pub(msg.Topic, msg.Payload, true)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.pub(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllEndpoints() {
	endpoints := b.target.Endpoints()
	for _, info := range endpoints {
		b.publishEndpoint(info)
	}
	b.logger.Info("published endpoint descriptors", "endpoints", len(endpoints))
}

func (b *Bridge) subscribeRequests() {
	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	}
	filters := map[string]byte{
		b.prefix + "/+/+/+/set":     1,
		b.prefix + "/+/+/command/+": 1,
		b.prefix + "/+/+/command":   1,
	}
	token := b.client.SubscribeMultiple(filters, handler)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout")
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "err", err)
		}
	}()
}

type writeRequest struct {
	Value         json.RawMessage `json:"value"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type invokeRequest struct {
	Fields        json.RawMessage `json:"fields,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// handleMessage routes a write or invoke request to the controller. Results
// of accepted requests arrive later as bridge events; rejected requests are
// answered on bridge/response at once.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return
	}
	ep64, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		b.logger.Warn("request for invalid endpoint", "topic", topic)
		return
	}
	ep := bridge.EndpointID(ep64)
	def := b.target.Schema().Lookup(parts[1])

	switch {
	case len(parts) == 3 && parts[2] == "command":
		// Bare command name, as sent by Home Assistant.
		b.invoke(ep, def, parts[1], strings.TrimSpace(string(payload)), invokeRequest{})
	case len(parts) == 4 && parts[2] == "command":
		var req invokeRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				b.reject(bridge.OperationResult{Kind: bridge.KindInvoke, Endpoint: ep},
					fmt.Errorf("invoke request: %w: %v", bridge.ErrInvalidPayload, err))
				return
			}
		}
		b.invoke(ep, def, parts[1], parts[3], req)
	case len(parts) == 4 && parts[3] == "set":
		var req writeRequest
		if err := json.Unmarshal(payload, &req); err != nil || len(req.Value) == 0 {
			b.reject(bridge.OperationResult{Kind: bridge.KindWrite, Endpoint: ep, CorrelationID: req.CorrelationID},
				fmt.Errorf("write request needs a value: %w", bridge.ErrInvalidPayload))
			return
		}
		b.write(ep, def, parts[1], parts[2], req)
	}
}

func (b *Bridge) invoke(ep bridge.EndpointID, def *datamodel.ClusterDef, clusterName, commandName string, req invokeRequest) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	res := bridge.OperationResult{Kind: bridge.KindInvoke, Endpoint: ep, CorrelationID: req.CorrelationID}
	if def == nil {
		b.reject(res, fmt.Errorf("cluster %q: %w", clusterName, bridge.ErrNotFound))
		return
	}
	res.Cluster = def.ID
	cmd, ok := def.LookupCommand(commandName)
	if !ok {
		b.reject(res, fmt.Errorf("%s command %q: %w", def.Name, commandName, bridge.ErrUnsupportedCommand))
		return
	}
	res.Target = cmd
	op, err := b.target.InvokeCommand(ep, def.ID, cmd, req.Fields, req.CorrelationID)
	if err != nil {
		b.reject(res, err)
		return
	}
	b.logger.Debug("invoke accepted", "op", op.ID, "endpoint", ep, "cluster", def.Name, "command", commandName)
}

func (b *Bridge) write(ep bridge.EndpointID, def *datamodel.ClusterDef, clusterName, attrName string, req writeRequest) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	res := bridge.OperationResult{Kind: bridge.KindWrite, Endpoint: ep, CorrelationID: req.CorrelationID}
	if def == nil {
		b.reject(res, fmt.Errorf("cluster %q: %w", clusterName, bridge.ErrNotFound))
		return
	}
	res.Cluster = def.ID
	attr, ok := def.LookupAttribute(attrName)
	if !ok {
		b.reject(res, fmt.Errorf("%s attribute %q: %w", def.Name, attrName, bridge.ErrUnsupportedAttribute))
		return
	}
	res.Target = attr
	op, err := b.target.WriteAttribute(ep, def.ID, attr, req.Value, req.CorrelationID)
	if err != nil {
		b.reject(res, err)
		return
	}
	b.logger.Debug("write accepted", "op", op.ID, "endpoint", ep, "cluster", def.Name, "attr", attrName)
}

func (b *Bridge) reject(res bridge.OperationResult, err error) {
	res.Status = bridge.StatusOf(err)
	res.Error = err.Error()
	b.logger.Warn("request rejected", "endpoint", res.Endpoint, "kind", res.Kind, "status", res.Status, "err", err)
	b.pub(b.prefix+"/bridge/response", mustJSON(res), false)
}

func (b *Bridge) mqttPublish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
