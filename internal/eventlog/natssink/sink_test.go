package natssink

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestSinkPublishesWireShape(t *testing.T) {
	pub := &recordingPublisher{}
	sink := New(pub, "lattice.events.", nil)
	ev, err := eventlog.NewEvent("PLUGIN.EXECUTED", eventlog.Tags{"plugin": "scan"}, map[string]any{"success": true})
	require.NoError(t, err)
	ev.ID = "01HX"

	sink.Deliver(ev)

	require.Equal(t, []string{"lattice.events.plugin.executed"}, pub.subjects)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &wire))
	for _, key := range []string{"id", "type", "timestamp", "tags", "metadata", "data"} {
		assert.Contains(t, wire, key)
	}
	assert.NotContains(t, wire, "Position")
}

func TestSinkSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	sink := New(pub, "", nil)
	assert.NotPanics(t, func() {
		sink.Deliver(eventlog.Event{Type: "RUN.STARTED"})
	})
	assert.Equal(t, []string{DefaultPrefix + ".run.started"}, pub.subjects)
}
