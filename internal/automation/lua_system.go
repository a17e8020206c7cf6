//go:build !no_automation

package automation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.now())
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e.now())
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e)
	}))
	L.SetGlobal("system", mod)
}

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// system.datetime([component]) returns one date/time component, or a table
// of all of them when called without an argument.
func systemDatetime(L *lua.LState, now time.Time) int {
	if L.GetTop() == 0 {
		tbl := L.NewTable()
		for name, get := range datetimeComponents {
			tbl.RawSetString(name, get(now))
		}
		L.Push(tbl)
		return 1
	}

	component := L.CheckString(1)
	get, ok := datetimeComponents[component]
	if !ok {
		names := make([]string, 0, len(datetimeComponents))
		for name := range datetimeComponents {
			names = append(names, name)
		}
		sort.Strings(names)
		L.ArgError(1, fmt.Sprintf("unknown component %q (want one of %s)", component, strings.Join(names, ", ")))
		return 0
	}
	L.Push(get(now))
	return 1
}

// system.time_between(from, to) reports whether the current time of day is
// in [from, to). Bounds are hours (22) or "HH:MM" strings ("06:30").
// Ranges may wrap midnight; equal bounds match nothing.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := checkMinuteOfDay(L, 1)
	to := checkMinuteOfDay(L, 2)
	cur := now.Hour()*60 + now.Minute()

	var result bool
	if from <= to {
		result = cur >= from && cur < to
	} else {
		result = cur >= from || cur < to
	}
	L.Push(lua.LBool(result))
	return 1
}

func checkMinuteOfDay(L *lua.LState, n int) int {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		h := int(v)
		if float64(h) != float64(v) || h < 0 || h > 24 {
			L.ArgError(n, "hour must be an integer in 0..24")
		}
		return h * 60
	case lua.LString:
		hh, mm, ok := strings.Cut(string(v), ":")
		h, errH := strconv.Atoi(hh)
		m, errM := strconv.Atoi(mm)
		if !ok || errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			L.ArgError(n, fmt.Sprintf("invalid time %q, want HH:MM", string(v)))
		}
		return h*60 + m
	}
	L.ArgError(n, "hour or \"HH:MM\" expected")
	return 0
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}
