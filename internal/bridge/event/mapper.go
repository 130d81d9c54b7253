package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// DefaultAgent is attributed to token frames that name no agent.
	DefaultAgent = "actor"

	// SystemAgent tags worker chatter that is never shown to subscribers.
	SystemAgent = "system"

	DefaultSummary      = "Iteration complete"
	DefaultErrorMessage = "unknown error"
)

// Worker frames are discriminated by "kind", except meta reports which are
// discriminated by "type". Both are kept as the worker emits them.
const (
	kindField = "kind"
	typeField = "type"

	kindToken             = "token"
	kindIterationComplete = "iteration_complete"
	kindError             = "error"
	kindDone              = "done"
	typeMetaReport        = "meta_report"
)

// Mapper turns decoded worker output lines into outward events for one
// stream. It records whether the worker sent its own done frame.
type Mapper struct {
	jobID   string
	sawDone bool
}

func NewMapper(jobID string) *Mapper {
	return &Mapper{jobID: jobID}
}

// SawDone reports whether a done event has been produced.
func (m *Mapper) SawDone() bool {
	return m.sawDone
}

// Map returns the outward event for line and true, or false when the line
// produces no event: blank lines, system token frames and repeated done
// frames. Lines that are not JSON objects become raw-text token events.
func (m *Mapper) Map(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, false
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil || frame == nil {
		return Token(line, ""), true
	}

	kind, _ := frame[kindField].(string)

	switch kind {
	case kindToken:
		return m.mapToken(frame)

	case kindIterationComplete:
		return IterationComplete(m.mapIteration(frame)), true

	case kindError:
		msg, ok := nonEmptyString(frame["message"])
		if !ok {
			msg = DefaultErrorMessage
		}

		return Error(msg), true

	case kindDone:
		if m.sawDone {
			return Event{}, false
		}

		m.sawDone = true

		return Done(), true
	}

	if t, _ := frame[typeField].(string); t == typeMetaReport {
		return MetaReport(frame), true
	}

	discriminant := kind
	if discriminant == "" {
		discriminant, _ = frame[typeField].(string)
	}

	return Passthrough(Type(discriminant), frame), true
}

func (m *Mapper) mapToken(frame map[string]any) (Event, bool) {
	agent, _ := frame["agent"].(string)
	agent = strings.ToLower(strings.TrimSpace(agent))

	switch agent {
	case SystemAgent:
		return Event{}, false
	case "":
		agent = DefaultAgent
	}

	text, ok := frame["token"].(string)
	if !ok {
		text, _ = frame["text"].(string)
	}

	return Token(text, agent), true
}

// mapIteration reads fields from the nested "iteration" object when present,
// falling back to the frame itself.
func (m *Mapper) mapIteration(frame map[string]any) Iteration {
	nested, _ := frame["iteration"].(map[string]any)

	lookup := func(key string) any {
		if v, ok := nested[key]; ok {
			return v
		}

		return frame[key]
	}

	step, ok := number(lookup("iterationIndex"))
	if !ok {
		step, ok = number(lookup("step"))
	}

	if !ok {
		step = 1
	}

	summary, ok := nonEmptyString(lookup("deltaSummary"))
	if !ok {
		summary, ok = nonEmptyString(lookup("summary"))
	}

	if !ok {
		summary = DefaultSummary
	}

	latency, _ := number(lookup("latencyMs"))

	verified, ok := lookup("verified").(bool)
	if !ok {
		verified = true
	}

	if verifier, ok := lookup("verifier").(map[string]any); ok {
		if passed, ok := verifier["passed"].(bool); ok {
			verified = passed
		}
	}

	id, ok := nonEmptyString(lookup("id"))
	if !ok {
		id = fmt.Sprintf("%s_iter_%d", m.jobID, int(step))
	}

	return Iteration{
		ID:        id,
		Step:      int(step),
		Summary:   summary,
		Cost:      lookup("cost"),
		LatencyMs: latency,
		Verified:  verified,
	}
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}

	return s, true
}
