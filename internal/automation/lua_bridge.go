//go:build !no_automation

package automation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/datamodel"
)

const maxHandlersPerScript = 100

// registerBridgeModule registers the `bridge` global table in a Lua state.
func registerBridgeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return bridgeOn(L, vm, e)
	}))
	mod.RawSetString("invoke", L.NewFunction(func(L *lua.LState) int {
		return bridgeInvoke(L, vm, e)
	}))
	mod.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		return bridgeWrite(L, vm, e)
	}))
	mod.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		return bridgeRead(L, e)
	}))
	mod.RawSetString("endpoints", L.NewFunction(func(L *lua.LState) int {
		return bridgeEndpoints(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return bridgeAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "script", vm.id, "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("bridge", mod)
}

// bridge.on(type, filter, callback)
//
// filter keys: device, endpoint, cluster, attribute. Cluster and attribute
// accept names or numeric IDs.
func bridgeOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	eventType := L.CheckString(1)
	filter := L.OptTable(2, L.NewTable())
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}

	if v := filter.RawGetString("device"); v != lua.LNil {
		h.device = v.String()
	}
	if v := filter.RawGetString("endpoint"); v != lua.LNil {
		n, ok := v.(lua.LNumber)
		if !ok || n < 1 || n > 0xFFFF {
			L.ArgError(2, "endpoint must be 1-65535")
			return 0
		}
		h.endpoint = bridge.EndpointID(n)
	}

	var def *datamodel.ClusterDef
	if v := filter.RawGetString("cluster"); v != lua.LNil {
		def = e.target.Schema().Lookup(v.String())
		if def == nil {
			L.ArgError(2, "unknown cluster: "+v.String())
			return 0
		}
		h.cluster = def.ID
	}
	if v := filter.RawGetString("attribute"); v != lua.LNil {
		if def == nil {
			L.ArgError(2, "attribute filter needs a cluster")
			return 0
		}
		attr, ok := def.LookupAttribute(v.String())
		if !ok {
			L.ArgError(2, "unknown attribute: "+v.String())
			return 0
		}
		h.attribute, h.hasAttr = attr, true
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// checkTarget resolves the (endpoint, cluster) arguments at positions 1
// and 2.
func checkTarget(L *lua.LState, e *Engine) (bridge.EndpointID, *datamodel.ClusterDef) {
	ep := L.CheckInt(1)
	if ep < 1 || ep > 0xFFFF {
		L.ArgError(1, "endpoint must be 1-65535")
		return 0, nil
	}
	name := L.CheckAny(2).String()
	def := e.target.Schema().Lookup(name)
	if def == nil {
		L.ArgError(2, "unknown cluster: "+name)
		return 0, nil
	}
	return bridge.EndpointID(ep), def
}

// bridge.invoke(ep, cluster, command [, fields [, callback]]) -> op id | nil, err
func bridgeInvoke(L *lua.LState, vm *scriptVM, e *Engine) int {
	ep, def := checkTarget(L, e)
	name := L.CheckAny(3).String()
	cmd, ok := def.LookupCommand(name)
	if !ok {
		L.ArgError(3, fmt.Sprintf("unknown %s command: %s", def.Name, name))
		return 0
	}

	var payload json.RawMessage
	if tbl, ok := L.Get(4).(*lua.LTable); ok {
		if fields, ok := luaToGo(tbl).(map[string]interface{}); ok {
			data, err := json.Marshal(fields)
			if err != nil {
				L.ArgError(4, err.Error())
				return 0
			}
			payload = data
		}
	}
	callback, _ := L.Get(5).(*lua.LFunction)

	op, err := e.target.InvokeCommand(ep, def.ID, cmd, payload, uuid.NewString())
	return pushOperation(L, vm, e, op, err, callback)
}

// bridge.write(ep, cluster, attribute, value [, callback]) -> op id | nil, err
func bridgeWrite(L *lua.LState, vm *scriptVM, e *Engine) int {
	ep, def := checkTarget(L, e)
	name := L.CheckAny(3).String()
	attr, ok := def.LookupAttribute(name)
	if !ok {
		L.ArgError(3, fmt.Sprintf("unknown %s attribute: %s", def.Name, name))
		return 0
	}
	value, err := json.Marshal(luaToGo(L.CheckAny(4)))
	if err != nil {
		L.ArgError(4, err.Error())
		return 0
	}
	callback, _ := L.Get(5).(*lua.LFunction)

	op, err := e.target.WriteAttribute(ep, def.ID, attr, value, uuid.NewString())
	return pushOperation(L, vm, e, op, err, callback)
}

// pushOperation returns the operation ID to Lua, or nil plus the status
// when the request was rejected. A callback is run on the VM with
// (status, error) once the operation resolves.
func pushOperation(L *lua.LState, vm *scriptVM, e *Engine, op *bridge.Operation, err error, callback *lua.LFunction) int {
	if err != nil {
		e.logger.Warn("script request rejected", "script", vm.id, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(bridge.StatusOf(err)))
		return 2
	}

	if callback != nil {
		go func() {
			if op.Wait(vm.ctx) != nil && vm.ctx.Err() != nil {
				return
			}
			res := op.Result()
			posted := vm.post(func(L *lua.LState) {
				var msg lua.LValue = lua.LNil
				if res.Error != "" {
					msg = lua.LString(res.Error)
				}
				if err := L.CallByParam(lua.P{Fn: callback, NRet: 0, Protect: true},
					lua.LString(res.Status), msg); err != nil {
					e.logger.Error("operation callback error", "script", vm.id, "err", err)
				}
			})
			if !posted {
				e.logger.Warn("operation callback dropped", "script", vm.id, "op", op.ID)
			}
		}()
	}

	L.Push(lua.LString(op.ID))
	return 1
}

// bridge.read(ep, cluster, attribute) -> value | nil, status
func bridgeRead(L *lua.LState, e *Engine) int {
	ep, def := checkTarget(L, e)
	name := L.CheckAny(3).String()
	attr, ok := def.LookupAttribute(name)
	if !ok {
		L.Push(lua.LNil)
		L.Push(lua.LString(bridge.StatusUnsupportedAttribute))
		return 2
	}

	view, err := e.target.ReadAttribute(ep, def.ID, attr)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(bridge.StatusOf(err)))
		return 2
	}
	if view.Value == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(bridge.StatusSuccess))
		return 2
	}

	// Scripts see the wire form: enum labels and bitmap label lists.
	var v interface{}
	if data, err := json.Marshal(view.Value); err == nil {
		_ = json.Unmarshal(data, &v)
	}
	L.Push(goToLua(L, v))
	return 1
}

// bridge.endpoints() -> list of endpoint tables
func bridgeEndpoints(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, info := range e.target.Endpoints() {
		t := L.NewTable()
		t.RawSetString("endpoint", lua.LNumber(info.Endpoint))
		t.RawSetString("device", lua.LString(info.DeviceID))
		t.RawSetString("index", lua.LNumber(info.Index))
		t.RawSetString("device_type", lua.LString(info.DeviceType.Name))
		t.RawSetString("label", lua.LString(info.Label))
		t.RawSetString("reachable", lua.LBool(info.Reachable))
		clusters := L.NewTable()
		for j, id := range info.Clusters {
			clusters.RawSetInt(j+1, lua.LNumber(id))
		}
		t.RawSetString("clusters", clusters)
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// bridge.after(seconds, callback)
func bridgeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		posted := vm.post(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		})
		if !posted {
			e.logger.Warn("after: command channel full", "script", vm.id)
		}
	}()

	return 0
}
