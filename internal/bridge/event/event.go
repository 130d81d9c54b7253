// Package event defines the outward events delivered to a stream subscriber
// and maps decoded worker output lines onto them.
package event

import (
	"encoding/json"
	"fmt"
	"maps"
)

type Type string

const (
	TypeToken             Type = "token"
	TypeIterationComplete Type = "iteration_complete"
	TypeMetaReport        Type = "meta_report"
	TypeError             Type = "error"
	TypeDone              Type = "done"
)

// Iteration summarises one completed deliberation round.
type Iteration struct {
	ID        string  `json:"id"`
	Step      int     `json:"step"`
	Summary   string  `json:"summary"`
	Cost      any     `json:"cost"`
	LatencyMs float64 `json:"latencyMs"`
	Verified  bool    `json:"verified"`
}

// Event is one normalised unit delivered to the subscriber. Which fields are
// meaningful depends on Type. Meta reports and unrecognised worker frames
// carry the worker's fields verbatim in Fields.
type Event struct {
	Type      Type
	Text      string
	Agent     string
	Iteration *Iteration
	Message   string
	Fields    map[string]any
}

func Token(text, agent string) Event {
	return Event{Type: TypeToken, Text: text, Agent: agent}
}

func IterationComplete(it Iteration) Event {
	return Event{Type: TypeIterationComplete, Iteration: &it}
}

func MetaReport(fields map[string]any) Event {
	return Event{Type: TypeMetaReport, Fields: fields}
}

func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

func Done() Event {
	return Event{Type: TypeDone}
}

// Passthrough wraps a worker frame that matched no known kind.
func Passthrough(kind Type, fields map[string]any) Event {
	return Event{Type: kind, Fields: fields}
}

type tokenWire struct {
	Type  Type   `json:"type"`
	Text  string `json:"text"`
	Agent string `json:"agent,omitempty"`
}

type iterationWire struct {
	Type      Type       `json:"type"`
	Iteration *Iteration `json:"iteration"`
}

type errorWire struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

type bareWire struct {
	Type Type `json:"type"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeToken:
		return json.Marshal(tokenWire{e.Type, e.Text, e.Agent})

	case TypeIterationComplete:
		it := e.Iteration
		if it == nil {
			it = &Iteration{}
		}

		return json.Marshal(iterationWire{e.Type, it})

	case TypeError:
		return json.Marshal(errorWire{e.Type, e.Message})

	case TypeDone:
		return json.Marshal(bareWire{e.Type})

	case TypeMetaReport:
		fields := maps.Clone(e.Fields)
		if fields == nil {
			fields = make(map[string]any)
		}

		fields["type"] = string(TypeMetaReport)

		return json.Marshal(fields)

	default:
		if e.Fields == nil {
			return json.Marshal(bareWire{e.Type})
		}

		return json.Marshal(e.Fields)
	}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	t, _ := fields["type"].(string)

	switch Type(t) {
	case TypeToken:
		var w tokenWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode token event: %w", err)
		}

		*e = Token(w.Text, w.Agent)

	case TypeIterationComplete:
		var w iterationWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode iteration event: %w", err)
		}

		if w.Iteration == nil {
			w.Iteration = &Iteration{}
		}

		*e = IterationComplete(*w.Iteration)

	case TypeError:
		var w errorWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode error event: %w", err)
		}

		*e = Error(w.Message)

	case TypeDone:
		*e = Done()

	case TypeMetaReport:
		*e = MetaReport(fields)

	default:
		kind := t
		if kind == "" {
			kind, _ = fields["kind"].(string)
		}

		*e = Passthrough(Type(kind), fields)
	}

	return nil
}

func (e Event) String() string {
	switch e.Type {
	case TypeToken:
		return fmt.Sprintf("token(%s): %q", e.Agent, e.Text)
	case TypeError:
		return fmt.Sprintf("error: %s", e.Message)
	case TypeIterationComplete:
		if e.Iteration != nil {
			return fmt.Sprintf("iteration %d: %s", e.Iteration.Step, e.Iteration.Summary)
		}
	}

	return string(e.Type)
}
