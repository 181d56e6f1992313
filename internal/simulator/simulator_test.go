package simulator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"purifier-go-home/internal/device"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func open(t *testing.T, p *Purifier) device.Handle {
	t.Helper()
	h, err := p.Open(context.Background(), device.Identity{Address: "sim", Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestOpenKindAndToken(t *testing.T) {
	p := New(testLogger(), WithToken("secret"))
	if _, err := p.Open(context.Background(), device.Identity{Token: "wrong"}); !errors.Is(err, ErrHandshake) {
		t.Errorf("Open with wrong token = %v, want ErrHandshake", err)
	}
	h, err := p.Open(context.Background(), device.Identity{Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if h.Kind() != device.KindAirPurifier {
		t.Errorf("Kind = %v", h.Kind())
	}

	fan := New(testLogger(), WithModel("zhimi.fan.za4"))
	if k := open(t, fan).Kind(); k != device.KindFan {
		t.Errorf("fan Kind = %v", k)
	}
}

func TestFailOpens(t *testing.T) {
	p := New(testLogger())
	p.FailOpens(2)
	for i := 0; i < 2; i++ {
		if _, err := p.Open(context.Background(), device.Identity{}); !errors.Is(err, ErrUnreachable) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	open(t, p)
	if p.Opens() != 3 {
		t.Errorf("Opens = %d, want 3", p.Opens())
	}
}

func TestMethods(t *testing.T) {
	p := New(testLogger())
	h := open(t, p)
	ctx := context.Background()

	var pushed []string
	h.Subscribe(func(key string, value any) { pushed = append(pushed, key) })

	if res, err := h.Call(ctx, "set_mode", "favorite"); err != nil || res[0] != "ok" {
		t.Fatalf("set_mode = %v, %v", res, err)
	}
	if got := p.Property("mode"); got != "favorite" {
		t.Errorf("mode = %v", got)
	}
	if _, err := h.Call(ctx, "set_level_favorite", 12); err != nil {
		t.Fatal(err)
	}
	if got := p.Property("favorite_level"); got != 12 {
		t.Errorf("favorite_level = %v", got)
	}
	if res, _ := h.Call(ctx, "set_level_favorite", 40); res[0] != "error" {
		t.Errorf("out of range level result = %v", res)
	}

	if _, err := h.Call(ctx, "set_power", "off"); err != nil {
		t.Fatal(err)
	}
	if got := p.Property("mode"); got != "idle" {
		t.Errorf("mode after power off = %v", got)
	}
	if _, err := h.Call(ctx, "set_power", "on"); err != nil {
		t.Fatal(err)
	}
	if got := p.Property("mode"); got != "favorite" {
		t.Errorf("mode after power on = %v, want favorite restored", got)
	}

	if _, err := h.Call(ctx, "set_child_lock", "on"); err != nil {
		t.Fatal(err)
	}
	if got := p.Property("child_lock"); got != "on" {
		t.Errorf("child_lock = %v", got)
	}

	v, err := h.ReadProperty(ctx, "mode")
	if err != nil || v != "favorite" {
		t.Errorf("ReadProperty(mode) = %v, %v", v, err)
	}

	if _, err := h.Call(ctx, "self_destruct"); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("unknown method err = %v", err)
	}
	if len(pushed) == 0 {
		t.Error("no property changes pushed")
	}
}

func TestStateWrapsTemperature(t *testing.T) {
	p := New(testLogger())
	state, err := open(t, p).State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tm, ok := state["temperature"].(map[string]any)
	if !ok || tm["value"] != 22.5 {
		t.Errorf("temperature = %#v", state["temperature"])
	}
	events := device.DecodeState(state)
	found := false
	for _, e := range events {
		if e == (device.TemperatureChanged{Celsius: 22.5}) {
			found = true
		}
	}
	if !found {
		t.Errorf("decoded state has no temperature: %#v", events)
	}
}

func TestFaultInjection(t *testing.T) {
	p := New(testLogger())
	h := open(t, p)
	ctx := context.Background()

	p.SetResult("set_child_lock", "error")
	res, err := h.Call(ctx, "set_child_lock", "on")
	if err != nil || res[0] != "error" {
		t.Errorf("set_child_lock = %v, %v", res, err)
	}
	if got := p.Property("child_lock"); got != "off" {
		t.Errorf("child_lock changed despite error result: %v", got)
	}

	boom := errors.New("timeout")
	p.FailCall("set_led", boom)
	if _, err := h.Call(ctx, "set_led", "off"); !errors.Is(err, boom) {
		t.Errorf("set_led err = %v", err)
	}
	p.FailCall("set_led", nil)
	if _, err := h.Call(ctx, "set_led", "off"); err != nil {
		t.Errorf("set_led after reset = %v", err)
	}

	p.FailCall("state", boom)
	if _, err := h.State(ctx); !errors.Is(err, boom) {
		t.Errorf("State err = %v", err)
	}
	p.FailCall("state", nil)
	if _, err := h.State(ctx); err != nil {
		t.Errorf("State after reset = %v", err)
	}

	calls := p.Calls()
	if len(calls) != 3 || calls[0].Method != "set_child_lock" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestDrop(t *testing.T) {
	p := New(testLogger())
	h := open(t, p)
	p.Drop()

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Drop")
	}
	if _, err := h.Call(context.Background(), "set_led", "on"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("call after drop = %v", err)
	}

	h2 := open(t, p)
	select {
	case <-h2.Done():
		t.Fatal("new connection already done")
	default:
	}
}

func TestSetPushes(t *testing.T) {
	p := New(testLogger())
	h := open(t, p)

	var gotKey string
	var gotValue any
	unsub := h.Subscribe(func(key string, value any) { gotKey, gotValue = key, value })
	p.Set("pm2.5", 160)
	if gotKey != "pm2.5" || gotValue != 160 {
		t.Errorf("pushed %s=%v", gotKey, gotValue)
	}

	unsub()
	p.Set("pm2.5", 10)
	if gotValue != 160 {
		t.Error("handler called after unsubscribe")
	}
}
