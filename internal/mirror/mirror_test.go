package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/device"
	"purifier-go-home/internal/simulator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var allFeatures = Features{AirQuality: true, Temperature: true, Humidity: true, LED: true, Buzzer: true}

func attach(t *testing.T, m *Mirror, sim *simulator.Purifier) *device.Session {
	t.Helper()
	s, err := device.Open(context.Background(), sim, device.Identity{Address: "sim", Token: "t"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	m.Attach(context.Background(), s)
	return s
}

// stubHandle is a purifier connection with scriptable State and Call.
type stubHandle struct {
	state func() (map[string]any, error)
	call  func(ctx context.Context) error

	mu       sync.Mutex
	handlers []func(string, any)
}

func (h *stubHandle) Kind() device.Kind { return device.KindAirPurifier }
func (h *stubHandle) Model() string     { return "zhimi.airpurifier.m1" }

func (h *stubHandle) State(ctx context.Context) (map[string]any, error) {
	if h.state == nil {
		return map[string]any{}, nil
	}
	return h.state()
}

func (h *stubHandle) ReadProperty(ctx context.Context, name string) (any, error) {
	return nil, errors.New("not supported")
}

func (h *stubHandle) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	if h.call != nil {
		if err := h.call(ctx); err != nil {
			return nil, err
		}
	}
	return []any{"ok"}, nil
}

func (h *stubHandle) Subscribe(handler func(string, any)) func() {
	h.mu.Lock()
	h.handlers = append(h.handlers, handler)
	h.mu.Unlock()
	return func() {}
}

func (h *stubHandle) push(key string, value any) {
	h.mu.Lock()
	handlers := slices.Clone(h.handlers)
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(key, value)
	}
}

func (h *stubHandle) Done() <-chan struct{} { return nil }
func (h *stubHandle) Close() error          { return nil }

type stubTransport struct{ h *stubHandle }

func (t stubTransport) Open(context.Context, device.Identity) (device.Handle, error) {
	return t.h, nil
}

func attachStub(t *testing.T, m *Mirror, h *stubHandle) *device.Session {
	t.Helper()
	s, err := device.Open(context.Background(), stubTransport{h}, device.Identity{Address: "stub", Token: "t"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	m.Attach(context.Background(), s)
	return s
}

type memJournal struct {
	mu      sync.Mutex
	records []CallRecord
}

func (j *memJournal) Record(r CallRecord) {
	j.mu.Lock()
	j.records = append(j.records, r)
	j.mu.Unlock()
}

func TestWritesWithoutSession(t *testing.T) {
	j := &memJournal{}
	m := New(allFeatures, testLogger(), WithJournal(j))
	ctx := context.Background()

	writes := map[string]func() error{
		"active":   func() error { return m.SetActive(ctx, true) },
		"target":   func() error { return m.SetTargetState(ctx, convert.TargetAuto) },
		"rotation": func() error { return m.SetRotationPercent(ctx, 50) },
		"lock":     func() error { return m.SetLock(ctx, true) },
		"led":      func() error { return m.SetLED(ctx, true) },
		"buzzer":   func() error { return m.SetBuzzer(ctx, true) },
	}
	for name, fn := range writes {
		if err := fn(); !errors.Is(err, device.ErrNotDiscovered) {
			t.Errorf("%s: err = %v, want ErrNotDiscovered", name, err)
		}
	}
	if len(j.records) != 0 {
		t.Errorf("%d device calls made without a session", len(j.records))
	}
	if err := m.Refresh(ctx); !errors.Is(err, device.ErrNotDiscovered) {
		t.Errorf("Refresh err = %v", err)
	}
}

func TestReadsBeforeConnect(t *testing.T) {
	m := New(allFeatures, testLogger())
	st := m.Snapshot()
	if st.Reachable || st.Active || st.CurrentState != convert.CurrentInactive || st.TargetState != convert.TargetAuto {
		t.Errorf("unexpected defaults: %+v", st)
	}
	if m.AirQuality() != convert.AirQualityUnknown {
		t.Errorf("AirQuality = %v, want unknown", m.AirQuality())
	}
	if len(st.Known) != 0 {
		t.Errorf("Known = %v, want none", st.Known)
	}
}

func TestAttachSeedsFromSnapshot(t *testing.T) {
	sim := simulator.New(testLogger(), simulator.WithProperties(map[string]any{
		"mode":             "favorite",
		"favorite_level":   8,
		"pm2.5":            160,
		"temperature":      22.5,
		"relativeHumidity": 40,
		"child_lock":       "on",
		"led":              "off",
	}))
	m := New(allFeatures, testLogger())
	attach(t, m, sim)

	if !m.Reachable() {
		t.Error("not reachable after attach")
	}
	if !m.Active() {
		t.Error("Active = false")
	}
	if m.TargetState() != convert.TargetManual {
		t.Errorf("TargetState = %v", m.TargetState())
	}
	if m.CurrentState() != convert.CurrentPurifying {
		t.Errorf("CurrentState = %v", m.CurrentState())
	}
	if m.RotationSpeed() != 50 {
		t.Errorf("RotationSpeed = %d, want 50", m.RotationSpeed())
	}
	if m.AirQuality() != convert.AirQualityInferior {
		t.Errorf("AirQuality = %v, want inferior", m.AirQuality())
	}
	if m.PM25Density() != 160 {
		t.Errorf("PM25Density = %v", m.PM25Density())
	}
	if m.Temperature() != 22.5 {
		t.Errorf("Temperature = %v", m.Temperature())
	}
	if m.Humidity() != 40 {
		t.Errorf("Humidity = %v", m.Humidity())
	}
	if !m.ChildLock() {
		t.Error("ChildLock = false")
	}
	if m.LED() {
		t.Error("LED = true")
	}
}

func TestDisabledFeaturesIgnored(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(Features{}, testLogger())
	attach(t, m, sim)

	sim.Set("pm2.5", 300)
	sim.Set("temperature", 30.0)
	if m.AirQuality() != convert.AirQualityUnknown {
		t.Errorf("AirQuality = %v with feature disabled", m.AirQuality())
	}
	if m.Temperature() != 0 {
		t.Errorf("Temperature = %v with feature disabled", m.Temperature())
	}
	if m.Mode() != "auto" {
		t.Errorf("Mode = %q, core fields must still be mirrored", m.Mode())
	}
}

func TestModeEventPublishesOneBatch(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)

	var batches [][]Update
	m.OnUpdate(func(b []Update) { batches = append(batches, b) })
	sim.Set("mode", "favorite")

	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	want := []Update{
		{Field: FieldActive, Value: true},
		{Field: FieldCurrentState, Value: convert.CurrentPurifying},
		{Field: FieldTargetState, Value: convert.TargetManual},
	}
	if len(batches[0]) != len(want) {
		t.Fatalf("batch = %v", batches[0])
	}
	for i := range want {
		if batches[0][i] != want[i] {
			t.Errorf("batch[%d] = %v, want %v", i, batches[0][i], want[i])
		}
	}
}

func TestModeTripleConsistentUnderConcurrentReads(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				st := m.Snapshot()
				manual := st.TargetState == convert.TargetManual
				idle := st.CurrentState == convert.CurrentInactive
				if manual != (st.Mode == "favorite") || idle == st.Active {
					select {
					case errs <- st.Mode:
					default:
					}
					return
				}
			}
		}()
	}
	modes := []string{"favorite", "idle", "auto", "silent"}
	for i := 0; i < 400; i++ {
		sim.Set("mode", modes[i%len(modes)])
	}
	close(stop)
	wg.Wait()

	select {
	case mode := <-errs:
		t.Fatalf("inconsistent triple observed for mode %q", mode)
	default:
	}
}

func TestBatchesDeliveredInOrder(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)

	var mu sync.Mutex
	var seen []float64
	m.OnField(FieldPM25Density, func(u Update) {
		mu.Lock()
		seen = append(seen, u.Value.(float64))
		mu.Unlock()
	})
	for i := 1; i <= 50; i++ {
		sim.Set("pm2.5", i)
	}
	for i, v := range seen {
		if v != float64(i+1) {
			t.Fatalf("update %d = %v, out of order", i, v)
		}
	}
	if len(seen) != 50 {
		t.Errorf("saw %d updates, want 50", len(seen))
	}
}

func TestSetRotationFromAutoSwitchesToFavorite(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)
	sim.ResetCalls()

	if err := m.SetRotationPercent(context.Background(), 50); err != nil {
		t.Fatal(err)
	}
	calls := sim.Calls()
	var methods []string
	for _, c := range calls {
		methods = append(methods, c.Method)
	}
	want := []string{"get_prop", "set_mode", "set_level_favorite"}
	if len(methods) != len(want) {
		t.Fatalf("calls = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("calls = %v, want %v", methods, want)
		}
	}
	if calls[1].Args[0] != "favorite" {
		t.Errorf("set_mode args = %v", calls[1].Args)
	}
	if calls[2].Args[0] != 8 {
		t.Errorf("set_level_favorite args = %v, want [8]", calls[2].Args)
	}
	if m.RotationSpeed() != 50 {
		t.Errorf("RotationSpeed = %d, want 50", m.RotationSpeed())
	}
	if m.TargetState() != convert.TargetManual {
		t.Errorf("TargetState = %v after pushed mode change", m.TargetState())
	}
}

func TestSetRotationInFavoriteSkipsModeSwitch(t *testing.T) {
	sim := simulator.New(testLogger(), simulator.WithProperties(map[string]any{"mode": "favorite"}))
	m := New(allFeatures, testLogger())
	attach(t, m, sim)
	sim.ResetCalls()

	if err := m.SetRotationPercent(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	for _, c := range sim.Calls() {
		if c.Method == "set_mode" {
			t.Fatal("set_mode issued while already in favorite mode")
		}
	}
	if got := sim.Property("favorite_level"); got != 16 {
		t.Errorf("favorite_level = %v, want 16", got)
	}
}

func TestSetRotationModeSwitchFailureIgnored(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)
	sim.FailCall("set_mode", errors.New("timeout"))

	if err := m.SetRotationPercent(context.Background(), 25); err != nil {
		t.Fatalf("SetRotationPercent = %v, want mode switch failure discarded", err)
	}
	if got := sim.Property("favorite_level"); got != 4 {
		t.Errorf("favorite_level = %v, want 4", got)
	}
}

func TestSetLockNonOK(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)
	sim.SetResult("set_child_lock", "error")

	err := m.SetLock(context.Background(), true)
	var re *device.ResultError
	if !errors.As(err, &re) {
		t.Fatalf("SetLock err = %v, want *device.ResultError", err)
	}
	if re.Code != "error" || re.Method != "set_child_lock" {
		t.Errorf("ResultError = %+v", re)
	}
	if m.ChildLock() {
		t.Error("ChildLock = true after failed write")
	}
}

func TestSetTargetStateUpdatesMirror(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)

	if err := m.SetTargetState(context.Background(), convert.TargetManual); err != nil {
		t.Fatal(err)
	}
	if m.Mode() != "favorite" || m.TargetState() != convert.TargetManual {
		t.Errorf("mode = %q target = %v", m.Mode(), m.TargetState())
	}

	sim.SetResult("set_mode", "error")
	if err := m.SetTargetState(context.Background(), convert.TargetAuto); err == nil {
		t.Error("SetTargetState succeeded with error result")
	}
	if m.Mode() != "favorite" {
		t.Errorf("mode changed to %q after failed write", m.Mode())
	}
}

func TestDeliveryKinds(t *testing.T) {
	sim := simulator.New(testLogger())
	j := &memJournal{}
	m := New(allFeatures, testLogger(), WithJournal(j))
	attach(t, m, sim)
	ctx := context.Background()

	sim.FailCall("set_power", errors.New("timeout"))
	if err := m.SetActive(ctx, false); err != nil {
		t.Errorf("best-effort SetActive = %v, want nil", err)
	}
	m.Wait()

	sim.SetResult("set_led", "error")
	if err := m.SetLED(ctx, false); err != nil {
		t.Errorf("SetLED with error result = %v, want nil", err)
	}

	boom := errors.New("timeout")
	sim.FailCall("set_buzzer", boom)
	err := m.SetBuzzer(ctx, true)
	var de *device.Error
	if !errors.As(err, &de) || !errors.Is(err, boom) {
		t.Errorf("SetBuzzer = %v, want *device.Error wrapping transport error", err)
	}

	if len(j.records) != 3 {
		t.Fatalf("journal has %d records, want 3", len(j.records))
	}
	if j.records[0].Delivery != "best-effort" || j.records[0].Error == "" {
		t.Errorf("record[0] = %+v", j.records[0])
	}
	if j.records[1].Delivery != "completed" || j.records[1].Error != "" {
		t.Errorf("record[1] = %+v", j.records[1])
	}
}

func TestDetach(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	s := attach(t, m, sim)

	var reach []bool
	m.OnField(FieldReachable, func(u Update) { reach = append(reach, u.Value.(bool)) })

	m.Detach(s)
	if m.Reachable() {
		t.Error("reachable after detach")
	}
	if m.Mode() != "auto" {
		t.Errorf("last known mode lost: %q", m.Mode())
	}
	if err := m.SetLED(context.Background(), true); !errors.Is(err, device.ErrNotDiscovered) {
		t.Errorf("SetLED after detach = %v", err)
	}

	sim.Set("mode", "silent")
	if m.Mode() != "auto" {
		t.Error("event from detached session applied")
	}

	m.Detach(s)
	if len(reach) != 1 || reach[0] {
		t.Errorf("reachable updates = %v, want [false]", reach)
	}
}

func TestReattachReplacesSession(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	first := attach(t, m, sim)
	m.Detach(first)
	first.Close()

	sim.Set("mode", "silent")
	attach(t, m, sim)
	if m.Mode() != "silent" {
		t.Errorf("Mode = %q after re-attach, want silent", m.Mode())
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh = %v", err)
	}
}

func TestSetActiveReturnsOnceIssued(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := &stubHandle{call: func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	j := &memJournal{}
	m := New(allFeatures, testLogger(), WithJournal(j))
	attachStub(t, m, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	start := time.Now()
	if err := m.SetActive(ctx, true); err != nil {
		t.Fatalf("SetActive = %v", err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("SetActive waited %v for the device", d)
	}

	<-started
	// The call outlives the request that issued it.
	cancel()
	close(release)
	m.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.records) != 1 {
		t.Fatalf("journal has %d records, want 1", len(j.records))
	}
	if r := j.records[0]; r.Method != "set_power" || r.Delivery != "best-effort" || r.Error != "" {
		t.Errorf("record = %+v", r)
	}
}

func TestFailedSnapshotKeepsStaleValues(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	s := attach(t, m, sim)
	sim.Set("mode", "favorite")
	before := m.Snapshot()
	m.Detach(s)

	// Changes made while detached are not seen, and the next snapshot fails.
	sim.Set("mode", "idle")
	sim.Set("pm2.5", 300)
	sim.FailCall("state", errors.New("timeout"))
	attach(t, m, sim)

	after := m.Snapshot()
	if !after.Reachable {
		t.Error("not reachable after attach")
	}
	if after.Mode != "favorite" || after.AirQualityIndex != before.AirQualityIndex || after.Temperature != before.Temperature {
		t.Errorf("stale values replaced: before %+v, after %+v", before, after)
	}
	if !slices.Equal(after.Known, before.Known) {
		t.Errorf("Known = %v, want %v", after.Known, before.Known)
	}
}

func TestEventDuringSnapshotApplied(t *testing.T) {
	h := &stubHandle{}
	h.state = func() (map[string]any, error) {
		h.push("child_lock", "on")
		return map[string]any{"mode": "auto", "led": "on"}, nil
	}
	m := New(allFeatures, testLogger())

	var batches [][]Update
	m.OnUpdate(func(b []Update) { batches = append(batches, b) })
	attachStub(t, m, h)

	if !m.ChildLock() {
		t.Error("child lock pushed during the snapshot was lost")
	}
	if m.Mode() != "auto" || !m.LED() {
		t.Errorf("seed not applied: mode %q led %v", m.Mode(), m.LED())
	}
	// reachable, then seed plus held event in one batch
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	last := batches[1][len(batches[1])-1]
	if last.Field != FieldLockPhysicalControls || last.Value != true {
		t.Errorf("last update = %+v, want held child lock", last)
	}
}

func TestStateJSONUsesFieldNames(t *testing.T) {
	sim := simulator.New(testLogger())
	m := New(allFeatures, testLogger())
	attach(t, m, sim)

	st := m.Snapshot()
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var raw struct {
		Known []string `json:"known"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(raw.Known, "pm2_5_density") {
		t.Errorf("known = %v", raw.Known)
	}

	var back State
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !slices.Equal(back.Known, st.Known) {
		t.Errorf("Known = %v, want %v", back.Known, st.Known)
	}

	var f Field
	if err := f.UnmarshalText([]byte("fan_speed")); err == nil {
		t.Error("unknown field name accepted")
	}
}
