//go:build !no_automation

// Package automation runs user Lua scripts that react to bridge events and
// drive bridged endpoints through the same target-side operations as MQTT
// and HTTP clients.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/datamodel"
)

// Target is the part of the bridge controller scripts can reach.
// *bridge.Controller satisfies it.
type Target interface {
	Events() *bridge.EventBus
	Schema() *datamodel.Registry
	Endpoints() []bridge.EndpointInfo
	ReadAttribute(ep bridge.EndpointID, cluster, attr uint32) (bridge.AttributeView, error)
	InvokeCommand(ep bridge.EndpointID, cluster, command uint32, payload json.RawMessage, correlationID string) (*bridge.Operation, error)
	WriteAttribute(ep bridge.EndpointID, cluster, attr uint32, value json.RawMessage, correlationID string) (*bridge.Operation, error)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for a specific event pattern.
// Zero filter fields match anything.
type luaEventHandler struct {
	eventType string
	device    string
	endpoint  bridge.EndpointID
	cluster   uint32
	attribute uint32
	hasAttr   bool
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// post queues fn for execution on the VM goroutine. It reports false if
// the VM has stopped or its queue is full.
func (vm *scriptVM) post(fn func(*lua.LState)) bool {
	select {
	case <-vm.ctx.Done():
		return false
	default:
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

// Engine manages Lua VMs and dispatches bridge events to scripts.
type Engine struct {
	target  Target
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(target Target, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		target:  target,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the bridge events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.target.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	e.logger.Info("automation engine stopped")
}

// Running returns the number of running scripts.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// IsRunning reports whether a script currently has a live VM.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}

	if !s.Meta.Enabled {
		return nil // disabled, just stop
	}

	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: time.Since(start).String()}
	}

	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes Lua code in a temporary VM and captures its log
// output. Handlers the code registers are each called once with a
// synthetic event built from their filter, so their actions run too.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       "run",
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var logs []string
	var logMu sync.Mutex
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	registerBridgeModule(L, vm, e)
	registerSystemModule(L, e)

	if tbl, ok := L.GetGlobal("bridge").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture(L.CheckString(1))
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = "timeout (5s)"
		}
		e.logger.Warn("script run failed", "err", msg)
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		evt := L.NewTable()
		evt.RawSetString("type", lua.LString(h.eventType))
		if h.device != "" {
			evt.RawSetString("device", lua.LString(h.device))
		}
		if h.endpoint != 0 {
			evt.RawSetString("endpoint", lua.LNumber(h.endpoint))
		}
		if h.cluster != 0 {
			evt.RawSetString("cluster", lua.LNumber(h.cluster))
		}
		if h.hasAttr {
			evt.RawSetString("attribute", lua.LNumber(h.attribute))
		}
		// Conditions like "if event.value then" pass.
		evt.RawSetString("value", lua.LTrue)

		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, evt); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

// newSandbox creates a Lua state without file, process or module access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerBridgeModule(L, vm, e)
	registerSystemModule(L, e)

	// Top-level code registers handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a bridge event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event bridge.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	var fields map[string]any
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			if fields == nil {
				fields = eventFields(event)
			}
			fn := h.fn
			if !vm.post(func(L *lua.LState) { e.callHandler(L, vm.id, fn, event.Type, fields) }) {
				e.logger.Warn("script busy or stopped, dropping event", "id", vm.id, "type", event.Type)
			}
		}
	}
}

// eventSubject extracts what handler filters match on.
func eventSubject(event bridge.Event) (device string, ep bridge.EndpointID, cluster, attr uint32, hasAttr bool) {
	device, ep = event.Device(), event.Endpoint()
	switch d := event.Data.(type) {
	case bridge.AttributeReport:
		cluster, attr, hasAttr = d.Cluster, d.Attribute, true
	case bridge.ClusterEvent:
		cluster = d.Cluster
	case bridge.OperationResult:
		cluster = d.Cluster
		if d.Kind == bridge.KindWrite {
			attr, hasAttr = d.Target, true
		}
	}
	return device, ep, cluster, attr, hasAttr
}

func matchesHandler(h luaEventHandler, event bridge.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	device, ep, cluster, attr, hasAttr := eventSubject(event)
	if h.device != "" && !strings.EqualFold(h.device, device) {
		return false
	}
	if h.endpoint != 0 && h.endpoint != ep {
		return false
	}
	if h.cluster != 0 && h.cluster != cluster {
		return false
	}
	if h.hasAttr && (!hasAttr || h.attribute != attr) {
		return false
	}
	return true
}

// eventFields flattens an event payload to its JSON shape.
func eventFields(event bridge.Event) map[string]any {
	fields := map[string]any{}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fields
	}
	_ = json.Unmarshal(data, &fields)
	return fields
}

func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", id, "err", r)
		}
	}()

	eventTable := L.NewTable()
	for k, v := range fields {
		eventTable.RawSetString(k, goToLua(L, v))
	}
	eventTable.RawSetString("type", lua.LString(eventType))

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "id", id, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to a JSON-encodable Go value. Tables with
// an array part become lists; other tables become objects, except that an
// empty table is an empty list.
func luaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			list := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, luaToGo(val.RawGetInt(i)))
			}
			return list
		}
		m := make(map[string]interface{})
		val.ForEach(func(k, vv lua.LValue) {
			m[k.String()] = luaToGo(vv)
		})
		if len(m) == 0 {
			return []interface{}{}
		}
		return m
	}
	return nil
}
