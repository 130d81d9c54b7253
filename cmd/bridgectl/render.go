package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nixpig/jobbridge/internal/bridge/event"
)

// renderer prints tokens inline as they arrive and every other event on a
// line of its own.
type renderer struct {
	w         io.Writer
	lastAgent string
	midLine   bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) render(ev event.Event) {
	switch ev.Type {
	case event.TypeToken:
		if ev.Agent != "" && ev.Agent != r.lastAgent {
			r.endLine()
			fmt.Fprintf(r.w, "[%s] ", ev.Agent)
			r.lastAgent = ev.Agent
		}

		fmt.Fprint(r.w, ev.Text)
		r.midLine = true

	case event.TypeIterationComplete:
		it := ev.Iteration
		if it == nil {
			it = &event.Iteration{}
		}

		r.line("[iteration %d] %s (verified: %t)", it.Step, it.Summary, it.Verified)

	case event.TypeError:
		r.line("[error] %s", ev.Message)

	case event.TypeDone:
		r.endLine()

	default:
		fields, err := json.Marshal(ev)
		if err != nil {
			fields = []byte(ev.String())
		}

		r.line("[%s] %s", ev.Type, fields)
	}
}

func (r *renderer) line(format string, args ...any) {
	r.endLine()
	fmt.Fprintf(r.w, format+"\n", args...)
	r.lastAgent = ""
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
}

// finish terminates any partially written line.
func (r *renderer) finish() {
	r.endLine()
}
