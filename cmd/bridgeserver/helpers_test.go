package main

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/jobbridge/internal/bridge"
	"github.com/nixpig/jobbridge/internal/bridge/event"
	"github.com/nixpig/jobbridge/internal/jobstore"
	"github.com/nixpig/jobbridge/internal/supervisor"
	"github.com/stretchr/testify/require"
)

// testWorker reads the job from stdin and echoes its text back as a token
// between two fixed frames.
const testWorker = `read -r input
echo '{"kind":"token","agent":"Logical","token":"hello"}'
echo "$input" | sed 's/.*"text":"\([^"]*\)".*/\1/'
echo '{"kind":"token","agent":"system","token":"hidden"}'
echo '{"kind":"done"}'
`

// hangingWorker emits one token and then never exits on its own.
const hangingWorker = `read -r input
echo '{"kind":"token","token":"first"}'
exec sleep 30
`

type testDeps struct {
	store      *jobstore.MemoryStore
	submitter  *bridge.Submitter
	controller *bridge.Controller
}

func newTestDeps(t *testing.T, script string) testDeps {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := jobstore.NewMemoryStore(time.Minute)

	sup, err := supervisor.NewExecSupervisor(supervisor.Config{
		Program: "/bin/sh",
		Args:    []string{"-c", script},
	}, logger)
	require.NoError(t, err)

	return testDeps{
		store:      store,
		submitter:  bridge.NewSubmitter(store, logger),
		controller: bridge.NewController(store, sup, logger),
	}
}

// readSSE decodes every data record of a server-sent event stream.
func readSSE(t *testing.T, r io.Reader) []event.Event {
	t.Helper()

	var events []event.Event

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if name, ok := strings.CutPrefix(line, "event:"); ok {
			require.Equal(t, sseEventName, strings.TrimSpace(name))
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var ev event.Event
		require.NoError(t, ev.UnmarshalJSON([]byte(strings.TrimSpace(data))))

		events = append(events, ev)
	}

	require.NoError(t, scanner.Err())

	return events
}
