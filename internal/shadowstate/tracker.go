package shadowstate

import (
	"sync"

	"aquarium/internal/clock"
)

// Tracker manages shadow state for all components
type Tracker struct {
	mu             sync.RWMutex
	states         map[string]ComponentShadowState
	stateProviders map[string]func() ComponentShadowState
}

// NewTracker creates a new shadow state tracker
func NewTracker() *Tracker {
	return &Tracker{
		states:         make(map[string]ComponentShadowState),
		stateProviders: make(map[string]func() ComponentShadowState),
	}
}

// Register registers a component's shadow state
func (t *Tracker) Register(name string, state ComponentShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[name] = state
}

// RegisterProvider registers a function that provides a component's shadow state dynamically
func (t *Tracker) RegisterProvider(name string, provider func() ComponentShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateProviders[name] = provider
}

// Get retrieves a component's shadow state
func (t *Tracker) Get(name string) (ComponentShadowState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if provider, ok := t.stateProviders[name]; ok {
		return provider(), true
	}

	state, ok := t.states[name]
	return state, ok
}

// All retrieves every shadow state. Providers win on a name collision.
func (t *Tracker) All() map[string]ComponentShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]ComponentShadowState, len(t.states)+len(t.stateProviders))
	for k, v := range t.states {
		states[k] = v
	}
	for k, provider := range t.stateProviders {
		states[k] = provider()
	}
	return states
}

// ControlTracker manages shadow state for the auto-control loop
type ControlTracker struct {
	mu    sync.RWMutex
	clock clock.Clock
	state *ControlShadowState
}

// NewControlTracker creates a new control shadow state tracker
func NewControlTracker(clk clock.Clock) *ControlTracker {
	return &ControlTracker{
		clock: clk,
		state: NewControlShadowState(clk.Now()),
	}
}

// UpdateCurrentInputs merges the given input values
func (ct *ControlTracker) UpdateCurrentInputs(inputs map[string]interface{}) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for key, value := range inputs {
		ct.state.Inputs.Current[key] = value
	}
	ct.state.Metadata.LastUpdated = ct.clock.Now()
}

// SnapshotInputsForAction captures current inputs as the at-last-action snapshot
func (ct *ControlTracker) SnapshotInputsForAction() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.state.Inputs.AtLastAction = make(map[string]interface{}, len(ct.state.Inputs.Current))
	for key, value := range ct.state.Inputs.Current {
		ct.state.Inputs.AtLastAction[key] = value
	}
}

// RecordDecision records what the loop asked for on one actuator
func (ct *ControlTracker) RecordDecision(actuator string, desired int, applied bool, result, reason string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	now := ct.clock.Now()
	ct.state.Outputs.Actuators[actuator] = ActuatorDecision{
		Desired:    desired,
		Applied:    applied,
		Result:     result,
		Reason:     reason,
		LastAction: now,
	}
	ct.state.Outputs.LastActionTime = now
	ct.state.Metadata.LastUpdated = now
}

// RecordTick records the outcome of one loop iteration
func (ct *ControlTracker) RecordTick(result string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	now := ct.clock.Now()
	ct.state.Outputs.LastTick = now
	ct.state.Outputs.LastTickResult = result
	ct.state.Metadata.LastUpdated = now
}

// GetState returns a deep copy of the current shadow state
func (ct *ControlTracker) GetState() *ControlShadowState {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	stateCopy := &ControlShadowState{
		Component: ct.state.Component,
		Inputs: ControlInputs{
			Current:      make(map[string]interface{}, len(ct.state.Inputs.Current)),
			AtLastAction: make(map[string]interface{}, len(ct.state.Inputs.AtLastAction)),
		},
		Outputs: ControlOutputs{
			Actuators:      make(map[string]ActuatorDecision, len(ct.state.Outputs.Actuators)),
			LastTick:       ct.state.Outputs.LastTick,
			LastTickResult: ct.state.Outputs.LastTickResult,
			LastActionTime: ct.state.Outputs.LastActionTime,
		},
		Metadata: ct.state.Metadata,
	}

	for k, v := range ct.state.Inputs.Current {
		stateCopy.Inputs.Current[k] = v
	}
	for k, v := range ct.state.Inputs.AtLastAction {
		stateCopy.Inputs.AtLastAction[k] = v
	}
	for k, v := range ct.state.Outputs.Actuators {
		stateCopy.Outputs.Actuators[k] = v
	}
	return stateCopy
}
