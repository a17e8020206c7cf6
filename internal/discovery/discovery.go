// Package discovery advertises the bridge's HTTP API over DNS-SD so that
// controllers on the local network can find it without configuration.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"zigbee-matter-bridge/internal/bridge"
)

const (
	// ServiceType is the DNS-SD service type of the bridge API.
	ServiceType = "_zmbridge._tcp"
	// Domain is the mDNS domain.
	Domain = "local."

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyVersion   = "ver"
	TXTKeyAPIPath   = "api"
	TXTKeyEndpoints = "ep"
	TXTKeyBridgeID  = "id"
)

var (
	ErrMissingRequired = errors.New("missing required TXT record")
	ErrNotAdvertising  = errors.New("not advertising")
)

// Info is what the advertisement publishes.
type Info struct {
	BridgeID  string
	Version   string
	APIPath   string
	Endpoints int
}

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records for info.
func EncodeTXT(info Info) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyBridgeID:  info.BridgeID,
		TXTKeyEndpoints: strconv.Itoa(info.Endpoints),
	}
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}
	api := info.APIPath
	if api == "" {
		api = "/api"
	}
	txt[TXTKeyAPIPath] = api
	return txt
}

// DecodeTXT parses TXT records produced by EncodeTXT.
func DecodeTXT(txt TXTRecordMap) (Info, error) {
	var info Info
	var ok bool
	if info.BridgeID, ok = txt[TXTKeyBridgeID]; !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyBridgeID)
	}
	ep, ok := txt[TXTKeyEndpoints]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyEndpoints)
	}
	n, err := strconv.Atoi(ep)
	if err != nil || n < 0 {
		return Info{}, fmt.Errorf("invalid endpoint count %q", ep)
	}
	info.Endpoints = n
	info.Version = txt[TXTKeyVersion]
	info.APIPath = txt[TXTKeyAPIPath]
	return info, nil
}

// TXTRecordsToStrings converts the map into sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// Config configures the advertiser.
type Config struct {
	Instance  string        // service instance name, e.g. "Living Room Bridge"
	Port      int           // HTTP API port
	Interface string        // network interface; empty means all
	TTL       time.Duration // record TTL; zero uses the zeroconf default
}

// server is the part of *zeroconf.Server the advertiser uses.
type server interface {
	SetText([]string)
	Shutdown()
}

// register publishes a service. Tests replace it.
var register = func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
}

// Advertiser publishes the bridge API and keeps its TXT records current.
type Advertiser struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	server server
	info   Info
}

// NewAdvertiser creates an advertiser. Nothing is published until Start.
func NewAdvertiser(cfg Config, logger *slog.Logger) *Advertiser {
	return &Advertiser{cfg: cfg, logger: logger.With("component", "discovery")}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		a.logger.Warn("mdns interface not found, using all", "iface", a.cfg.Interface, "err", err)
		return nil
	}
	return []net.Interface{*iface}
}

// instanceName returns the configured instance name cut to one DNS label.
func (a *Advertiser) instanceName() string {
	name := a.cfg.Instance
	if name == "" {
		name = "Zigbee Bridge"
	}
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}

// Start publishes the service with info. A running advertisement is
// replaced.
func (a *Advertiser) Start(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}

	srv, err := register(a.instanceName(), ServiceType, Domain, a.cfg.Port,
		TXTRecordsToStrings(EncodeTXT(info)), a.interfaces(), opts...)
	if err != nil {
		return fmt.Errorf("register %s service: %w", ServiceType, err)
	}
	a.server = srv
	a.info = info
	a.logger.Info("mdns advertising", "instance", a.instanceName(), "port", a.cfg.Port, "endpoints", info.Endpoints)
	return nil
}

// Update replaces the TXT records of the running advertisement.
func (a *Advertiser) Update(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotAdvertising
	}
	if info == a.info {
		return nil
	}
	a.server.SetText(TXTRecordsToStrings(EncodeTXT(info)))
	a.info = info
	a.logger.Debug("mdns records updated", "endpoints", info.Endpoints)
	return nil
}

// Info returns the currently advertised info.
func (a *Advertiser) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Track keeps the advertised endpoint count in step with the bridge's
// endpoint set. The returned function stops tracking.
func (a *Advertiser) Track(bus *bridge.EventBus, count func() int) func() {
	refresh := func(bridge.Event) {
		info := a.Info()
		info.Endpoints = count()
		if err := a.Update(info); err != nil && !errors.Is(err, ErrNotAdvertising) {
			a.logger.Warn("mdns update failed", "err", err)
		}
	}
	return bus.OnAny([]string{bridge.EventEndpointAdded, bridge.EventEndpointRemoved}, refresh)
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("mdns advertising stopped")
	}
}
