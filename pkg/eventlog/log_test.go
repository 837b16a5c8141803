package eventlog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/evidence"
)

func newTestLog() (*Log, *MemoryBackend, *evidence.MemoryStore) {
	backend := NewMemoryBackend()
	blobs := evidence.NewMemoryStore()
	log := New(backend, blobs, 256)
	return log, backend, blobs
}

func TestAppendAssignsDenseSequence(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog()

	for i := 1; i <= 5; i++ {
		seq, err := log.Append(ctx, &contracts.AuditEvent{
			CaseID: "C1",
			Type:   contracts.EventStatusChanged,
			Actor:  contracts.ActorSystem,
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	require.NoError(t, log.VerifyDense(ctx, "C1"))

	last, err := log.LastSequence(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
}

func TestSequencesAreIndependentPerCase(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog()

	seqA, err := log.Append(ctx, &contracts.AuditEvent{CaseID: "A", Type: contracts.EventCaseStarted})
	require.NoError(t, err)
	seqB, err := log.Append(ctx, &contracts.AuditEvent{CaseID: "B", Type: contracts.EventCaseStarted})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB)
}

func TestAppendRejectsMissingCaseID(t *testing.T) {
	log, _, _ := newTestLog()
	_, err := log.Append(context.Background(), &contracts.AuditEvent{Type: contracts.EventCaseStarted})
	assert.Equal(t, errkind.CodeInvalidRequest, errkind.CodeOf(err))
}

func TestAppendRedactsSecrets(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog()

	_, err := log.Append(ctx, &contracts.AuditEvent{
		CaseID: "C1",
		Type:   contracts.EventProviderCalled,
		Data: map[string]any{
			"api_key": "sk-abcdefghijklmnopqrstuvwxyz",
			"note":    "plain value",
		},
	})
	require.NoError(t, err)

	events, err := log.ReadByCase(ctx, "C1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "[REDACTED]", events[0].Data["api_key"])
	assert.Equal(t, "plain value", events[0].Data["note"])
	assert.Contains(t, events[0].Redactions, "api_key")
}

func TestLargePayloadSpillsToEvidence(t *testing.T) {
	ctx := context.Background()
	log, _, blobs := newTestLog()

	_, err := log.Append(ctx, &contracts.AuditEvent{
		CaseID: "C1",
		Type:   contracts.EventParseCompleted,
		Data:   map[string]any{"rows": strings.Repeat("x", 1024)},
	})
	require.NoError(t, err)

	events, err := log.ReadByCase(ctx, "C1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{"spilled": true}, events[0].Data)
	require.Len(t, events[0].Pointers, 1)

	ptr := events[0].Pointers[0]
	assert.True(t, strings.HasPrefix(ptr.Path, "C1/events/"))

	raw, err := blobs.Get(ctx, ptr.Path)
	require.NoError(t, err)
	assert.Equal(t, evidence.HashBytes(raw), ptr.SHA256)
	assert.Contains(t, string(raw), strings.Repeat("x", 1024))
}

func TestReadFromSeq(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog()

	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, &contracts.AuditEvent{CaseID: "C1", Type: contracts.EventStatusChanged})
		require.NoError(t, err)
	}

	events, err := log.ReadByCase(ctx, "C1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(4), events[1].Seq)
}

func TestExportJSONL(t *testing.T) {
	ctx := context.Background()
	log, _, blobs := newTestLog()
	log.WithClock(func() time.Time {
		return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	})

	_, err := log.Append(ctx, &contracts.AuditEvent{CaseID: "C1", Type: contracts.EventCaseStarted})
	require.NoError(t, err)
	_, err = log.Append(ctx, &contracts.AuditEvent{CaseID: "C1", Type: contracts.EventWorkflowCompleted})
	require.NoError(t, err)

	path, err := log.ExportJSONL(ctx, "C1", time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "logs/2026/08/25/C1.jsonl", path)

	raw, err := blobs.Get(ctx, path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"case.started"`)
	assert.Contains(t, lines[1], `"workflow.completed"`)
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(ctx, &contracts.AuditEvent{CaseID: "C1", Type: contracts.EventStatusChanged})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, log.VerifyDense(ctx, "C1"))
	last, err := log.LastSequence(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, uint64(32), last)
}

func TestDensityPropertyHolds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("any number of appends yields a dense 1..n stream", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			log, _, _ := newTestLog()
			for i := 0; i < n; i++ {
				if _, err := log.Append(ctx, &contracts.AuditEvent{
					CaseID: "P",
					Type:   contracts.EventStatusChanged,
				}); err != nil {
					return false
				}
			}
			return log.VerifyDense(ctx, "P") == nil
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
