package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/njoerd114/healthrelay/internal/health"
	"github.com/njoerd114/healthrelay/internal/model"
)

func newTestEngine(h *harness, cfg EngineConfig) *Engine {
	return NewEngine(h.orch, cfg, testLogger)
}

func TestEngine_UserWideSyncCoversActiveMatchups(t *testing.T) {
	h := newHarness(activeMatchup("m1"), activeMatchup("m2"))
	e := newTestEngine(h, EngineConfig{})

	res := e.TriggerUserWideSync(context.Background(), model.TriggerPushNotification, "u1")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	for _, o := range res.Outcomes {
		if o.Stage != StageDone {
			t.Errorf("matchup %s stage = %s, want done", o.MatchupID, o.Stage)
		}
	}
	_, list, _, uploads := h.api.counts()
	if list != 1 || uploads != 2 {
		t.Errorf("list=%d uploads=%d, want 1 and 2", list, uploads)
	}
}

func TestEngine_UserWideSyncThrottled(t *testing.T) {
	h := newHarness(activeMatchup("m1"))
	e := newTestEngine(h, EngineConfig{})
	ctx := context.Background()

	e.TriggerUserWideSync(ctx, model.TriggerForeground, "u1")
	h.clock.Advance(10 * time.Second)
	res := e.TriggerUserWideSync(ctx, model.TriggerPushNotification, "u1")

	if !res.Skipped || res.Err != nil {
		t.Errorf("second result = %+v, want skipped without error", res)
	}
	if _, list, _, _ := h.api.counts(); list != 1 {
		t.Errorf("list calls = %d, want 1", list)
	}
}

func TestEngine_OneMatchupFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(activeMatchup("m1"), activeMatchup("m2"))
	h.meas.failMatchup = "m2"
	e := newTestEngine(h, EngineConfig{})

	res := e.TriggerUserWideSync(context.Background(), model.TriggerForeground, "u1")
	if res.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed())
	}
	if !errors.Is(res.Err, errBoom) {
		t.Errorf("err = %v, want errBoom joined", res.Err)
	}
	if len(h.api.uploadedMeasurements["m1"]) != 1 {
		t.Error("m1 upload missing after m2 failure")
	}

	// A failed user-wide sync does not stamp the user throttle.
	h.meas.failMatchup = ""
	h.clock.Advance(time.Second)
	again := e.TriggerUserWideSync(context.Background(), model.TriggerForeground, "u1")
	if again.Skipped {
		t.Error("user-wide sync skipped after a failed attempt")
	}
}

func TestEngine_ListFailure(t *testing.T) {
	h := newHarness()
	h.api.listErr = errBoom
	e := newTestEngine(h, EngineConfig{})

	res := e.TriggerUserWideSync(context.Background(), model.TriggerForeground, "u1")
	if !errors.Is(res.Err, errBoom) {
		t.Errorf("err = %v, want errBoom", res.Err)
	}
}

func TestEngine_NamedTriggerFetchesEachOnce(t *testing.T) {
	h := newHarness(activeMatchup("m1"), activeMatchup("m2"))
	e := newTestEngine(h, EngineConfig{})

	trig := model.NewTrigger(model.TriggerPushNotification, "u1", t0, "m2", "m1", "m2")
	res := e.Handle(context.Background(), trig)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Outcomes) != 2 {
		t.Errorf("outcomes = %d, want 2", len(res.Outcomes))
	}
	get, list, _, _ := h.api.counts()
	if get != 2 || list != 0 {
		t.Errorf("get=%d list=%d, want 2 and 0", get, list)
	}
}

func TestEngine_BackgroundBudgetReportsFailure(t *testing.T) {
	h := newHarness(activeMatchup("m1"))
	h.meas.block = true
	e := newTestEngine(h, EngineConfig{BackgroundBudget: 20 * time.Millisecond})

	var completed error
	calls := 0
	trig := model.NewTrigger(model.TriggerBackgroundTask, "u1", t0)
	trig.OnComplete = func(err error) {
		calls++
		completed = err
	}

	res := e.Handle(context.Background(), trig)
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", res.Err)
	}
	if calls != 1 || !errors.Is(completed, context.DeadlineExceeded) {
		t.Errorf("OnComplete calls=%d err=%v, want one call with DeadlineExceeded", calls, completed)
	}
}

func TestEngine_ForegroundIgnoresBackgroundBudget(t *testing.T) {
	h := newHarness(activeMatchup("m1"))
	e := newTestEngine(h, EngineConfig{BackgroundBudget: time.Nanosecond})

	res := e.TriggerUserWideSync(context.Background(), model.TriggerForeground, "u1")
	if res.Err != nil {
		t.Errorf("foreground sync failed under background budget: %v", res.Err)
	}
}

func TestEngine_EnqueueFullQueue(t *testing.T) {
	e := newTestEngine(newHarness(), EngineConfig{QueueSize: 1})
	if !e.Enqueue(trigger(model.TriggerBackgroundObserver)) {
		t.Fatal("first Enqueue = false")
	}
	if e.Enqueue(trigger(model.TriggerBackgroundObserver)) {
		t.Error("Enqueue on full queue = true, want false")
	}
}

func TestEngine_RunDrainsQueue(t *testing.T) {
	h := newHarness(activeMatchup("m1"))
	e := newTestEngine(h, EngineConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	handled := make(chan error, 1)
	trig := trigger(model.TriggerBackgroundObserver)
	trig.OnComplete = func(err error) { handled <- err }
	if !e.Enqueue(trig) {
		t.Fatal("Enqueue = false")
	}

	select {
	case err := <-handled:
		if err != nil {
			t.Errorf("trigger failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger not handled")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestEngine_TriggerSync(t *testing.T) {
	h := newHarness(activeMatchup("m1"))
	e := newTestEngine(h, EngineConfig{})

	out := e.TriggerSync(context.Background(), model.TriggerForeground, "u1", activeMatchup("m1"))
	if out.Stage != StageDone {
		t.Errorf("stage = %s, want done", out.Stage)
	}
	if get, _, _, _ := h.api.counts(); get != 0 {
		t.Errorf("get calls = %d, want 0 for a supplied context", get)
	}
}

func TestEngine_UnauthorizedUserSyncStopsEarly(t *testing.T) {
	for _, matchups := range [][]model.MatchupContext{
		nil,
		{activeMatchup("m1"), activeMatchup("m2")},
	} {
		h := newHarness(matchups...)
		h.auth.denied = true
		e := newTestEngine(h, EngineConfig{})

		res := e.TriggerUserWideSync(context.Background(), model.TriggerBackgroundTask, "u1")
		if !errors.Is(res.Err, health.ErrAuthorizationMissing) {
			t.Fatalf("matchups=%d: err = %v, want ErrAuthorizationMissing", len(matchups), res.Err)
		}
		if res.Err != health.ErrAuthorizationMissing {
			t.Errorf("matchups=%d: err = %q, want the single sentinel", len(matchups), res.Err)
		}
		if len(res.Outcomes) != 0 {
			t.Errorf("matchups=%d: outcomes = %d, want 0", len(matchups), len(res.Outcomes))
		}
		if _, list, _, _ := h.api.counts(); list != 0 {
			t.Errorf("matchups=%d: list calls = %d, want 0", len(matchups), list)
		}

		// Nothing was stamped: once access is granted the next trigger runs.
		h.auth.denied = false
		h.clock.Advance(time.Second)
		again := e.TriggerUserWideSync(context.Background(), model.TriggerForeground, "u1")
		if again.Skipped || again.Err != nil {
			t.Errorf("matchups=%d: sync after grant = %+v, want a full run", len(matchups), again)
		}
	}
}

func TestEngine_UnauthorizedNamedSyncFetchesNothing(t *testing.T) {
	h := newHarness(activeMatchup("m1"))
	h.auth.denied = true
	e := newTestEngine(h, EngineConfig{})

	res := e.Handle(context.Background(), model.NewTrigger(model.TriggerPushNotification, "u1", t0, "m1"))
	if !errors.Is(res.Err, health.ErrAuthorizationMissing) {
		t.Errorf("err = %v, want ErrAuthorizationMissing", res.Err)
	}
	if get, _, _, _ := h.api.counts(); get != 0 {
		t.Errorf("get calls = %d, want 0", get)
	}
}
