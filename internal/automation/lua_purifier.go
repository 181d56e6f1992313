//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"purifier-go-home/internal/accessory"
	"purifier-go-home/internal/convert"
)

// writeTimeout bounds one accessory write issued by a script.
const writeTimeout = 10 * time.Second

const maxHandlersPerScript = 100

// registerPurifierModule registers the `purifier` global table in a Lua state.
func registerPurifierModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	fns := map[string]lua.LGFunction{
		"on":    func(L *lua.LState) int { return purifierOn(L, vm) },
		"get":   func(L *lua.LState) int { return purifierGet(L, e) },
		"set":   func(L *lua.LState) int { return purifierSet(L, vm, e) },
		"state": func(L *lua.LState) int { return purifierState(L, e) },
		"power": func(L *lua.LState) int {
			return purifierWrite(L, vm, e, accessory.ServicePurifier, accessory.CharActive, lua.LBool(L.CheckBool(1)))
		},
		"speed": func(L *lua.LState) int {
			return purifierWrite(L, vm, e, accessory.ServicePurifier, accessory.CharRotationSpeed, L.CheckNumber(1))
		},
		"lock": func(L *lua.LState) int {
			return purifierWrite(L, vm, e, accessory.ServicePurifier, accessory.CharLockPhysicalControls, lua.LBool(L.CheckBool(1)))
		},
		"mode":      func(L *lua.LState) int { return purifierMode(L, vm, e) },
		"reachable": func(L *lua.LState) int { L.Push(lua.LBool(e.acc.Reachable())); return 1 },
		"after":     func(L *lua.LState) int { return purifierAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			scriptLog(vm, e, "", L.CheckString(1))
			return 0
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}

	services := L.NewTable()
	for key, typ := range map[string]string{
		"PURIFIER":    accessory.ServicePurifier,
		"AIR_QUALITY": accessory.ServiceAirQuality,
		"TEMPERATURE": accessory.ServiceTemperature,
		"HUMIDITY":    accessory.ServiceHumidity,
		"LED":         accessory.ServiceLED,
		"BUZZER":      accessory.ServiceBuzzer,
	} {
		services.RawSetString(key, lua.LString(typ))
	}
	mod.RawSetString("service", services)

	L.SetGlobal("purifier", mod)
}

// purifier.on(type, [filter], callback)
func purifierOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("service"); v != lua.LNil {
			h.service = v.String()
		}
		if v := filter.RawGetString("characteristic"); v != lua.LNil {
			h.characteristic = v.String()
		}
	}
	if h.eventType != EventUpdate && h.eventType != EventReachable {
		L.ArgError(1, "unknown event type: "+h.eventType)
		return 0
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// purifier.get(service, characteristic) -> value | nil, err
func purifierGet(L *lua.LState, e *Engine) int {
	v, err := e.acc.Get(L.CheckString(1), L.CheckString(2))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, v))
	return 1
}

// purifier.set(service, characteristic, value) -> true | false, err
func purifierSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	return purifierWrite(L, vm, e, L.CheckString(1), L.CheckString(2), L.CheckAny(3))
}

// purifier.mode("auto" | "manual")
func purifierMode(L *lua.LState, vm *scriptVM, e *Engine) int {
	var target convert.TargetState
	switch mode := strings.ToLower(L.CheckString(1)); mode {
	case "auto":
		target = convert.TargetAuto
	case "manual", convert.ModeFavorite:
		target = convert.TargetManual
	default:
		L.ArgError(1, "mode must be auto or manual")
		return 0
	}
	return purifierWrite(L, vm, e, accessory.ServicePurifier, accessory.CharTargetAirPurifierState, lua.LNumber(target))
}

func purifierWrite(L *lua.LState, vm *scriptVM, e *Engine, service, char string, v lua.LValue) int {
	ctx, cancel := context.WithTimeout(vm.ctx, writeTimeout)
	defer cancel()
	if err := e.acc.Set(ctx, service, char, luaToGo(v)); err != nil {
		e.logger.Warn("script write failed", "service", service, "characteristic", char, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// purifier.state() -> table of the last known values
func purifierState(L *lua.LState, e *Engine) int {
	st := e.acc.Mirror().Snapshot()
	t := L.NewTable()
	t.RawSetString("reachable", lua.LBool(st.Reachable))
	t.RawSetString("mode", lua.LString(st.Mode))
	t.RawSetString("active", lua.LBool(st.Active))
	t.RawSetString("target", lua.LString(st.TargetState.String()))
	t.RawSetString("speed", lua.LNumber(st.RotationSpeed))
	t.RawSetString("child_lock", lua.LBool(st.ChildLock))
	f := e.acc.Features()
	if f.AirQuality {
		t.RawSetString("air_quality", lua.LString(st.AirQuality.String()))
		t.RawSetString("pm25", lua.LNumber(st.AirQualityIndex))
	}
	if f.Temperature {
		t.RawSetString("temperature", lua.LNumber(st.Temperature))
	}
	if f.Humidity {
		t.RawSetString("humidity", lua.LNumber(st.Humidity))
	}
	if f.LED {
		t.RawSetString("led", lua.LBool(st.LED))
	}
	if f.Buzzer {
		t.RawSetString("buzzer", lua.LBool(st.Buzzer))
	}
	L.Push(t)
	return 1
}

// purifier.after(seconds, callback) runs callback once after a delay.
func purifierAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

func scriptLog(vm *scriptVM, e *Engine, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
	}
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
}
