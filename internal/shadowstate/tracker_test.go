package shadowstate

import (
	"sync"
	"testing"
	"time"

	"aquarium/internal/clock"
)

func TestTrackerRegister(t *testing.T) {
	tracker := NewTracker()
	state := NewControlShadowState(time.Now())

	tracker.Register("autocontrol", state)

	retrieved, ok := tracker.Get("autocontrol")
	if !ok {
		t.Fatal("Failed to retrieve registered state")
	}
	if retrieved != state {
		t.Error("Retrieved a different state than registered")
	}

	if _, ok := tracker.Get("missing"); ok {
		t.Error("Expected lookup of unregistered component to fail")
	}
}

func TestTrackerProviderTakesPrecedence(t *testing.T) {
	tracker := NewTracker()
	static := NewControlShadowState(time.Now())
	dynamic := NewControlShadowState(time.Now())
	calls := 0

	tracker.Register("autocontrol", static)
	tracker.RegisterProvider("autocontrol", func() ComponentShadowState {
		calls++
		return dynamic
	})

	got, ok := tracker.Get("autocontrol")
	if !ok || got != dynamic {
		t.Error("Expected provider state")
	}

	all := tracker.All()
	if len(all) != 1 {
		t.Errorf("Expected 1 state, got %d", len(all))
	}
	if all["autocontrol"] != dynamic {
		t.Error("Expected provider state in All")
	}
	if calls != 2 {
		t.Errorf("Expected provider to be called twice, was called %d times", calls)
	}
}

func TestControlTrackerRecordsDecisions(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC))
	ct := NewControlTracker(clk)

	ct.UpdateCurrentInputs(map[string]interface{}{"waterLevel": 85.0, "threshold": 100.0})
	ct.SnapshotInputsForAction()
	clk.Advance(time.Second)
	ct.RecordDecision("pump", 1, true, "applied", "level below lower band")
	ct.UpdateCurrentInputs(map[string]interface{}{"waterLevel": 95.0})
	ct.RecordTick("ok")

	state := ct.GetState()

	if got := state.Inputs.Current["waterLevel"]; got != 95.0 {
		t.Errorf("Expected current waterLevel 95, got %v", got)
	}
	if got := state.Inputs.AtLastAction["waterLevel"]; got != 85.0 {
		t.Errorf("Expected at-last-action waterLevel 85, got %v", got)
	}

	pump, ok := state.Outputs.Actuators["pump"]
	if !ok {
		t.Fatal("Expected pump decision")
	}
	if pump.Desired != 1 || !pump.Applied || pump.Result != "applied" {
		t.Errorf("Unexpected pump decision: %+v", pump)
	}
	if !pump.LastAction.Equal(clk.Now()) {
		t.Errorf("Expected decision time %v, got %v", clk.Now(), pump.LastAction)
	}
	if state.Outputs.LastTickResult != "ok" {
		t.Errorf("Expected last tick result ok, got %q", state.Outputs.LastTickResult)
	}
}

func TestControlTrackerGetStateIsACopy(t *testing.T) {
	ct := NewControlTracker(clock.NewRealClock())
	ct.UpdateCurrentInputs(map[string]interface{}{"autoMode": 1})

	state := ct.GetState()
	state.Inputs.Current["autoMode"] = 0
	state.Outputs.Actuators["light"] = ActuatorDecision{Desired: 1}

	fresh := ct.GetState()
	if fresh.Inputs.Current["autoMode"] != 1 {
		t.Error("Mutating a copy changed tracker inputs")
	}
	if _, ok := fresh.Outputs.Actuators["light"]; ok {
		t.Error("Mutating a copy changed tracker outputs")
	}
}

func TestControlTrackerConcurrentAccess(t *testing.T) {
	ct := NewControlTracker(clock.NewRealClock())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ct.UpdateCurrentInputs(map[string]interface{}{"tick": i})
			ct.RecordDecision("pump", i%2, true, "applied", "test")
		}(i)
		go func() {
			defer wg.Done()
			_ = ct.GetState()
		}()
	}
	wg.Wait()
}
