//go:build !no_automation

package automation

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// clock is replaced in tests.
var clock = time.Now

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("now", L.NewFunction(systemNow))
	mod.RawSetString("between", L.NewFunction(systemBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		scriptLog(vm, e, L.CheckString(1), L.CheckString(2))
		return 0
	}))
	L.SetGlobal("system", mod)
}

// system.now() -> {hour, minute, second, weekday, day, month, year, timestamp}
func systemNow(L *lua.LState) int {
	now := clock()
	t := L.NewTable()
	t.RawSetString("hour", lua.LNumber(now.Hour()))
	t.RawSetString("minute", lua.LNumber(now.Minute()))
	t.RawSetString("second", lua.LNumber(now.Second()))
	t.RawSetString("weekday", lua.LNumber(now.Weekday()))
	t.RawSetString("day", lua.LNumber(now.Day()))
	t.RawSetString("month", lua.LNumber(now.Month()))
	t.RawSetString("year", lua.LNumber(now.Year()))
	t.RawSetString("timestamp", lua.LNumber(now.Unix()))
	L.Push(t)
	return 1
}

// system.between("22:00", "07:00") reports whether the local time of day
// falls in [from, to). Ranges may wrap midnight.
func systemBetween(L *lua.LState) int {
	from, err := parseClock(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := parseClock(L.CheckString(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	L.Push(lua.LBool(inWindow(clock(), from, to)))
	return 1
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func inWindow(now time.Time, from, to int) bool {
	m := now.Hour()*60 + now.Minute()
	if from <= to {
		return m >= from && m < to
	}
	return m >= from || m < to
}
