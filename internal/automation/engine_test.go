//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"purifier-go-home/internal/accessory"
	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/device"
	"purifier-go-home/internal/mirror"
	"purifier-go-home/internal/simulator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, f mirror.Features) (*Engine, *Manager, *simulator.Purifier) {
	t.Helper()
	sim := simulator.New(testLogger(), simulator.WithProperties(map[string]any{"pm2.5": 75}))
	m := mirror.New(f, testLogger())
	s, err := device.Open(context.Background(), sim, device.Identity{Token: "t"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	m.Attach(context.Background(), s)

	acc := accessory.New(accessory.Config{Name: "Purifier", Features: f}, m, testLogger())
	mgr := newTestManager(t)
	e := NewEngine(acc, mgr, testLogger())
	t.Cleanup(e.Stop)
	sim.ResetCalls()
	return e, mgr, sim
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"stringer", convert.AirQualityGood, lua.LTString},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

func TestMatchesHandler(t *testing.T) {
	update := event{Type: EventUpdate, Service: accessory.ServicePurifier, Characteristic: accessory.CharActive, Value: 1}
	tests := []struct {
		name    string
		handler luaEventHandler
		ev      event
		want    bool
	}{
		{"exact", luaEventHandler{eventType: EventUpdate, service: accessory.ServicePurifier, characteristic: accessory.CharActive}, update, true},
		{"any", luaEventHandler{eventType: EventUpdate}, update, true},
		{"wrong type", luaEventHandler{eventType: EventReachable}, update, false},
		{"service mismatch", luaEventHandler{eventType: EventUpdate, service: accessory.ServiceLED}, update, false},
		{"characteristic mismatch", luaEventHandler{eventType: EventUpdate, characteristic: accessory.CharRotationSpeed}, update, false},
		{"reachable", luaEventHandler{eventType: EventReachable}, event{Type: EventReachable, Value: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.ev); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunLuaCodeWrites(t *testing.T) {
	e, _, sim := newTestEngine(t, mirror.Features{})

	res := e.RunLuaCode(`
local ok, err = purifier.lock(true)
if not ok then error(err) end
purifier.log("locked")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "locked" {
		t.Errorf("logs = %v", res.Logs)
	}
	calls := sim.Calls()
	if len(calls) != 1 || calls[0].Method != "set_child_lock" || calls[0].Args[0] != "on" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRunLuaCodeWriteErrorReturned(t *testing.T) {
	e, _, sim := newTestEngine(t, mirror.Features{})
	sim.SetResult("set_child_lock", "error")

	res := e.RunLuaCode(`
local ok, err = purifier.lock(true)
purifier.log(tostring(ok) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || !strings.HasPrefix(res.Logs[0], "false ") {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeInvokesHandlersWithCurrentValue(t *testing.T) {
	e, _, _ := newTestEngine(t, mirror.Features{AirQuality: true})

	res := e.RunLuaCode(`
purifier.on("update", {service = purifier.service.AIR_QUALITY, characteristic = "PM2_5Density"}, function(ev)
  if ev.value > 50 then purifier.log("dirty " .. ev.value) end
end)
purifier.on("reachable", function(ev)
  system.log("warn", "reachable " .. tostring(ev.value))
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"dirty 75", "[warn] reachable true"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %v, want %v", res.Logs, want)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t, mirror.Features{})
	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: expected failure", code)
		}
	}
	if res := e.RunLuaCode(`purifier.on("bogus", function() end)`); res.OK {
		t.Error("unknown event type accepted")
	}
}

func TestEngineReactsToUpdates(t *testing.T) {
	e, mgr, sim := newTestEngine(t, mirror.Features{AirQuality: true})

	_, err := mgr.Save(&Script{
		Meta: ScriptMeta{Name: "Boost", Enabled: true},
		LuaCode: `
purifier.on("update", {characteristic = "AirQuality"}, function(ev)
  if ev.value >= 5 then purifier.speed(100) end
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "Off", Enabled: false}, LuaCode: `purifier.power(false)`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if got := e.Running(); len(got) != 1 || got[0] != "boost" {
		t.Fatalf("running = %v", got)
	}

	sim.Set("pm2.5", 250)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range sim.Calls() {
			if c.Method == "set_level_favorite" {
				if c.Args[0] != convert.MaxFavoriteLevel {
					t.Errorf("level = %v, want %d", c.Args[0], convert.MaxFavoriteLevel)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("script did not write; calls = %+v", sim.Calls())
}

func TestReloadAndStopScript(t *testing.T) {
	e, mgr, _ := newTestEngine(t, mirror.Features{})
	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "x", Enabled: true}, LuaCode: `purifier.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Running()) != 1 {
		t.Fatalf("running = %v", e.Running())
	}

	s.Meta.Enabled = false
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Running()) != 0 {
		t.Errorf("disabled script still running: %v", e.Running())
	}

	s.LuaCode = `this is not lua`
	s.Meta.Enabled = true
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err == nil {
		t.Error("expected syntax error")
	}
}

func TestInWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.Local) }
	tests := []struct {
		name     string
		now      time.Time
		from, to string
		want     bool
	}{
		{"inside day range", at(12, 0), "08:00", "22:00", true},
		{"end exclusive", at(22, 0), "08:00", "22:00", false},
		{"wrap late", at(23, 30), "22:00", "07:00", true},
		{"wrap early", at(6, 59), "22:00", "07:00", true},
		{"wrap outside", at(7, 0), "22:00", "07:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, err := parseClock(tt.from)
			if err != nil {
				t.Fatal(err)
			}
			to, err := parseClock(tt.to)
			if err != nil {
				t.Fatal(err)
			}
			if got := inWindow(tt.now, from, to); got != tt.want {
				t.Errorf("inWindow = %v, want %v", got, tt.want)
			}
		})
	}
	if _, err := parseClock("25:00"); err == nil {
		t.Error("parseClock accepted 25:00")
	}
}

func TestSystemModule(t *testing.T) {
	saved := clock
	clock = func() time.Time { return time.Date(2024, 3, 5, 23, 15, 0, 0, time.Local) }
	defer func() { clock = saved }()

	e, _, _ := newTestEngine(t, mirror.Features{})
	res := e.RunLuaCode(`
local now = system.now()
purifier.log(now.hour .. ":" .. now.minute .. " " .. tostring(system.between("22:00", "07:00")))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "23:15 true" {
		t.Errorf("logs = %v", res.Logs)
	}
}
