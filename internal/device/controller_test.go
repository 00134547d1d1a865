package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/store"
)

type driverCall struct {
	method   string
	deviceID string
	value    float64
	topic    string
	payload  string
}

type fakeDriver struct {
	mu    sync.Mutex
	calls []driverCall
	errs  []error
}

func (f *fakeDriver) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeDriver) record(call driverCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.nextErr()
}

func (f *fakeDriver) Init(ctx context.Context) error { return nil }
func (f *fakeDriver) Close() error                   { return nil }

func (f *fakeDriver) TurnOn(ctx context.Context, deviceID string) error {
	return f.record(driverCall{method: "turn_on", deviceID: deviceID})
}

func (f *fakeDriver) TurnOff(ctx context.Context, deviceID string) error {
	return f.record(driverCall{method: "turn_off", deviceID: deviceID})
}

func (f *fakeDriver) SetIntensity(ctx context.Context, deviceID string, value float64) error {
	return f.record(driverCall{method: "set_intensity", deviceID: deviceID, value: value})
}

func (f *fakeDriver) Publish(ctx context.Context, topic, payload string) error {
	return f.record(driverCall{method: "publish", topic: topic, payload: payload})
}

func (f *fakeDriver) callLog() []driverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driverCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func testController(t *testing.T, config Config) (*Controller, *store.Store, *fakeDriver) {
	t.Helper()
	s, err := store.Open(kv.BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	locks := lock.New(s.KV(), s.Events(), lock.Config{})
	driver := &fakeDriver{}
	if config.FreshnessWindow == 0 {
		config.FreshnessWindow = -1 // most tests want immediate dispatch
	}
	c := NewController(s, locks, driver, config)
	return c, s, driver
}

func enqueueControl(t *testing.T, s *store.Store, deviceID string, payload map[string]any) *store.PendingOperation {
	t.Helper()
	op, err := s.Enqueue(store.EnqueueRequest{
		EntityType: "device",
		EntityID:   deviceID,
		OpType:     store.OpControl,
		Payload:    payload,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Distinct queuedAt timestamps keep the FIFO order unambiguous.
	time.Sleep(time.Millisecond)
	return op
}

func TestRunCycleDropsSupersededSetValues(t *testing.T) {
	c, s, driver := testController(t, Config{})

	enqueueControl(t, s, "42", map[string]any{"action": ActionSetValue, "value": 10})
	enqueueControl(t, s, "42", map[string]any{"action": ActionSetValue, "value": 30})
	enqueueControl(t, s, "7", map[string]any{"action": ActionSetValue, "value": 80})
	enqueueControl(t, s, "42", map[string]any{"action": ActionSetValue, "value": 55})

	stats, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Superseded != 2 {
		t.Fatalf("superseded = %d, want 2", stats.Superseded)
	}
	if stats.Succeeded != 2 {
		t.Fatalf("succeeded = %d, want one dispatch per device", stats.Succeeded)
	}

	byDevice := map[string]float64{}
	for _, call := range driver.callLog() {
		if call.method != "set_intensity" {
			t.Fatalf("unexpected call %+v", call)
		}
		byDevice[call.deviceID] = call.value
	}
	if byDevice["42"] != 55 {
		t.Fatalf("device 42 value = %v, want the latest (55)", byDevice["42"])
	}
	if byDevice["7"] != 80 {
		t.Fatalf("device 7 value = %v, want 80", byDevice["7"])
	}

	pending, _ := s.PendingOps()
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestRunCycleFreshnessWindowDefersDispatch(t *testing.T) {
	c, s, driver := testController(t, Config{FreshnessWindow: time.Hour})

	enqueueControl(t, s, "42", map[string]any{"action": ActionSetValue, "value": 55})

	stats, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Skipped != 1 || stats.Dispatched != 0 {
		t.Fatalf("stats = %+v, want a fresh op skipped", stats)
	}
	if len(driver.callLog()) != 0 {
		t.Fatal("driver called inside the freshness window")
	}

	// Past the window the op dispatches.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stats, err = c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("succeeded = %d after window elapsed, want 1", stats.Succeeded)
	}
}

func TestRunCycleDispatchMapping(t *testing.T) {
	c, s, driver := testController(t, Config{})

	enqueueControl(t, s, "a", map[string]any{"action": ActionTurnOn})
	enqueueControl(t, s, "b", map[string]any{"action": ActionTurnOff})
	enqueueControl(t, s, "c", map[string]any{"action": ActionPublish, "topic": "wards/3/pumps/c/cmnd", "payload": "ON"})

	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	calls := driver.callLog()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	if calls[0].method != "turn_on" || calls[0].deviceID != "a" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].method != "turn_off" || calls[1].deviceID != "b" {
		t.Errorf("call 1 = %+v", calls[1])
	}
	if calls[2].method != "publish" || calls[2].topic != "wards/3/pumps/c/cmnd" || calls[2].payload != "ON" {
		t.Errorf("call 2 = %+v", calls[2])
	}
}

func TestRunCycleIgnoresNonControlOps(t *testing.T) {
	c, s, driver := testController(t, Config{})

	if _, err := s.Enqueue(store.EnqueueRequest{
		EntityType: "reading", EntityID: "r1", OpType: store.OpUpdate,
		Payload: map[string]any{"bpm": 70},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Dispatched != 0 || len(driver.callLog()) != 0 {
		t.Fatal("controller touched a non-control op")
	}
	pending, _ := s.PendingOps()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, the generic op must stay queued", len(pending))
	}
}

func TestRunCycleRetryAndBackoffGate(t *testing.T) {
	c, s, driver := testController(t, Config{})
	driver.errs = []error{store.NewRetryableError("broker down", nil)}

	enqueueControl(t, s, "42", map[string]any{"action": ActionTurnOn})

	stats, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed = %d, want 1", stats.Failed)
	}
	pending, _ := s.PendingOps()
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("pending = %+v, want the op re-queued with attempts 1", pending)
	}

	// With one failed attempt and a 1s base delay the op is not yet due.
	stats, err = c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Dispatched != 0 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v, want the op gated by backoff", stats)
	}

	// Past the backoff it dispatches and succeeds.
	c.now = func() time.Time { return time.Now().Add(5 * time.Second) }
	stats, err = c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", stats.Succeeded)
	}
}

func TestRunCycleDeadLettersAtCeiling(t *testing.T) {
	c, s, driver := testController(t, Config{AttemptCeiling: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Millisecond})
	driver.errs = []error{
		store.NewRetryableError("broker down", nil),
		store.NewRetryableError("broker down", nil),
	}

	enqueueControl(t, s, "42", map[string]any{"action": ActionTurnOn})

	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	stats, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if stats.Dead != 1 {
		t.Fatalf("dead = %d, want 1", stats.Dead)
	}

	failed, err := s.FailedOps()
	if err != nil {
		t.Fatalf("failed ops: %v", err)
	}
	if len(failed) != 1 || failed[0].Attempts != 2 {
		t.Fatalf("failed = %+v, want one record with attempts 2", failed)
	}
	pending, _ := s.PendingOps()
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestExpandTemplates(t *testing.T) {
	got := expand("wards/{device}/cmnd", "pump-3", "")
	if got != "wards/pump-3/cmnd" {
		t.Errorf("topic = %q", got)
	}
	got = expand(`{"id":"{device}","level":{value}}`, "pump-3", "55")
	if got != `{"id":"pump-3","level":55}` {
		t.Errorf("command = %q", got)
	}
}

func TestFormatValue(t *testing.T) {
	if got := formatValue(55); got != "55" {
		t.Errorf("formatValue(55) = %q", got)
	}
	if got := formatValue(0.5); got != "0.5" {
		t.Errorf("formatValue(0.5) = %q", got)
	}
}
