package model

import "encoding/json"

// Transition action types, shared with workflow actions.
const (
	ActionSetField     = "set_field"
	ActionWebhook      = "webhook"
	ActionCreateRecord = "create_record"
	ActionSendEvent    = "send_event"
)

// NowValue is the sentinel value for set_field actions that resolves to the
// current timestamp at execution time.
const NowValue = "now"

// TransitionAction is an action executed when a state transition fires.
type TransitionAction struct {
	Type   string `json:"type"`
	Field  string `json:"field,omitempty"`
	Value  any    `json:"value,omitempty"`
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
	Event  string `json:"event,omitempty"`
	Entity string `json:"entity,omitempty"`
}

// TransitionFrom accepts both a single state string and an array of states
// in JSON.
type TransitionFrom []string

func (t *TransitionFrom) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = []string{single}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*t = arr
	return nil
}

func (t TransitionFrom) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Contains reports whether state is one of the allowed source states.
func (t TransitionFrom) Contains(state string) bool {
	for _, s := range t {
		if s == state {
			return true
		}
	}
	return false
}

// Transition is a single allowed state change. Guard is an optional boolean
// expression; true permits the transition.
type Transition struct {
	From    TransitionFrom     `json:"from"`
	To      string             `json:"to"`
	Roles   []string           `json:"roles,omitempty"`
	Guard   string             `json:"guard,omitempty"`
	Actions []TransitionAction `json:"actions,omitempty"`
}

// StateMachineDefinition is the JSONB content of a state machine.
type StateMachineDefinition struct {
	Initial     string       `json:"initial"`
	Transitions []Transition `json:"transitions"`
}

// StateMachine tracks one field of one entity.
type StateMachine struct {
	ID         string                 `json:"id"`
	Entity     string                 `json:"entity"`
	Field      string                 `json:"field"`
	Definition StateMachineDefinition `json:"definition"`
	Active     bool                   `json:"active"`
}
