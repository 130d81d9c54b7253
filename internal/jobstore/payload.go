package jobstore

import "fmt"

// Mode selects how the worker deliberates over a request.
type Mode string

const (
	ModeConcise Mode = "concise"
	ModeDeep    Mode = "deep"
	ModeDebate  Mode = "debate"
	ModePlanner Mode = "planner"
)

var modes = []Mode{ModeConcise, ModeDeep, ModeDebate, ModePlanner}

// ParseMode returns the Mode named by s. An empty string is ModeConcise.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeConcise, nil
	}

	for _, m := range modes {
		if string(m) == s {
			return m, nil
		}
	}

	return "", fmt.Errorf("unknown mode '%s'", s)
}

// JobPayload is the set of parameters that authorised a run.
type JobPayload struct {
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId"`
	Text             string `json:"text"`
	Mode             Mode   `json:"mode"`
	LoopDepth        int    `json:"loopDepth"`
	AllowMemoryWrite bool   `json:"allowMemoryWrite"`
}
