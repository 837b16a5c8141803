package workflow

import (
	"encoding/json"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// Command events are the history entries the workflow function itself
// produces, in program order. Replay walks exactly these; everything else
// in the event log (committee events, signal.ignored, bundle seals) is
// observability, not workflow state.
func isCommandEvent(t contracts.EventType) bool {
	switch t {
	case contracts.EventActivityRecorded,
		contracts.EventMarkerRecorded,
		contracts.EventSignalReceived,
		contracts.EventStatusChanged,
		contracts.EventContinuedAsNew:
		return true
	}
	return false
}

// cursor steps a resumed workflow through its recorded history. While the
// cursor has entries left the workflow is replaying; side effects are
// suppressed and recorded results are returned instead. A mismatch between
// the code's next command and the recorded one is a determinism violation.
type cursor struct {
	events []contracts.AuditEvent
	pos    int
}

// newCursor filters history down to command events, starting after the
// last continue-as-new that reset the pipeline (a fresh file upload).
// Continue-as-new for run-timeout rotation keeps the full history.
func newCursor(history []contracts.AuditEvent) *cursor {
	start := 0
	for i, ev := range history {
		if ev.Type == contracts.EventContinuedAsNew {
			if reset, _ := ev.Data["reset"].(bool); reset {
				start = i + 1
			}
		}
	}

	var commands []contracts.AuditEvent
	for _, ev := range history[start:] {
		if isCommandEvent(ev.Type) && ev.Type != contracts.EventContinuedAsNew {
			commands = append(commands, ev)
		}
	}
	return &cursor{events: commands}
}

func (c *cursor) replaying() bool { return c.pos < len(c.events) }

// next consumes the next recorded command, verifying it has the expected
// type and name. Name lives under the given data key ("" skips the check).
func (c *cursor) next(expected contracts.EventType, nameKey, name string) (*contracts.AuditEvent, error) {
	if !c.replaying() {
		return nil, nil
	}
	ev := c.events[c.pos]
	if ev.Type != expected {
		return nil, errkind.Newf(errkind.CodeDeterminismViolated,
			"replay expected %s at seq %d, history has %s", expected, ev.Seq, ev.Type)
	}
	if nameKey != "" {
		recorded, _ := ev.Data[nameKey].(string)
		if recorded != name {
			return nil, errkind.Newf(errkind.CodeDeterminismViolated,
				"replay expected %s %q at seq %d, history has %q", expected, name, ev.Seq, recorded)
		}
	}
	c.pos++
	return &ev, nil
}

// decodeData re-marshals a history payload value into a typed target. The
// event log stores Data as JSON, so a round trip recovers the original shape.
func decodeData(value any, out any) error {
	if out == nil || value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errkind.Wrap(errkind.CodeDeterminismViolated, "re-encode recorded value", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errkind.Wrap(errkind.CodeDeterminismViolated, "decode recorded value", err)
	}
	return nil
}
