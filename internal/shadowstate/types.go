package shadowstate

import "time"

// ComponentShadowState is the interface that every tracked component's
// shadow state implements
type ComponentShadowState interface {
	GetCurrentInputs() map[string]interface{}
	GetLastActionInputs() map[string]interface{}
	GetOutputs() interface{}
	GetMetadata() StateMetadata
}

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Component   string    `json:"component"`
}

// ControlShadowState represents the shadow state of the auto-control loop
type ControlShadowState struct {
	Component string         `json:"component"`
	Inputs    ControlInputs  `json:"inputs"`
	Outputs   ControlOutputs `json:"outputs"`
	Metadata  StateMetadata  `json:"metadata"`
}

// ControlInputs tracks current and last-action input values
type ControlInputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// ControlOutputs tracks what the loop decided for each actuator
type ControlOutputs struct {
	Actuators      map[string]ActuatorDecision `json:"actuators"`
	LastTick       time.Time                   `json:"lastTick"`
	LastTickResult string                      `json:"lastTickResult,omitempty"`
	LastActionTime time.Time                   `json:"lastActionTime"`
}

// ActuatorDecision is the last value the loop wanted for one actuator
type ActuatorDecision struct {
	Desired    int       `json:"desired"`
	Applied    bool      `json:"applied"`
	Result     string    `json:"result"` // dispatcher reason, e.g. "applied" or "cooldown"
	Reason     string    `json:"reason"`
	LastAction time.Time `json:"lastAction"`
}

// GetCurrentInputs implements ComponentShadowState
func (c *ControlShadowState) GetCurrentInputs() map[string]interface{} {
	return c.Inputs.Current
}

// GetLastActionInputs implements ComponentShadowState
func (c *ControlShadowState) GetLastActionInputs() map[string]interface{} {
	return c.Inputs.AtLastAction
}

// GetOutputs implements ComponentShadowState
func (c *ControlShadowState) GetOutputs() interface{} {
	return c.Outputs
}

// GetMetadata implements ComponentShadowState
func (c *ControlShadowState) GetMetadata() StateMetadata {
	return c.Metadata
}

// NewControlShadowState creates an empty control shadow state
func NewControlShadowState(now time.Time) *ControlShadowState {
	return &ControlShadowState{
		Component: "autocontrol",
		Inputs: ControlInputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs: ControlOutputs{
			Actuators: make(map[string]ActuatorDecision),
		},
		Metadata: StateMetadata{
			LastUpdated: now,
			Component:   "autocontrol",
		},
	}
}
