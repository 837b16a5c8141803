package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"fs":     fs,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			hash, err := s.Put(ctx, "C1/original.xlsx", []byte("workbook-bytes"))
			require.NoError(t, err)
			assert.Equal(t, HashBytes([]byte("workbook-bytes")), hash)

			got, err := s.Get(ctx, "C1/original.xlsx")
			require.NoError(t, err)
			assert.Equal(t, []byte("workbook-bytes"), got)
		})
	}
}

func TestPutIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, "C1/audit/manifest.json", []byte(`{"v":1}`))
			require.NoError(t, err)

			// Identical content is an idempotent no-op.
			hash, err := s.Put(ctx, "C1/audit/manifest.json", []byte(`{"v":1}`))
			require.NoError(t, err)
			assert.Equal(t, HashBytes([]byte(`{"v":1}`)), hash)

			// Different content is rejected.
			_, err = s.Put(ctx, "C1/audit/manifest.json", []byte(`{"v":2}`))
			assert.ErrorIs(t, err, ErrImmutablePath)
		})
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "nope/missing.json")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPutAppendBuildsJSONL(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutAppend(ctx, "logs/a.jsonl", []byte(`{"seq":1}`)))
			require.NoError(t, s.PutAppend(ctx, "logs/a.jsonl", []byte(`{"seq":2}`)))

			got, err := s.Get(ctx, "logs/a.jsonl")
			require.NoError(t, err)
			assert.Equal(t, "{\"seq\":1}\n{\"seq\":2}\n", string(got))
		})
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, "C1/canonical/v1.json", []byte("a"))
			require.NoError(t, err)
			_, err = s.Put(ctx, "C1/canonical/v2.json", []byte("b"))
			require.NoError(t, err)
			_, err = s.Put(ctx, "C2/original.xlsx", []byte("c"))
			require.NoError(t, err)

			paths, err := s.List(ctx, "C1/")
			require.NoError(t, err)
			assert.Equal(t, []string{"C1/canonical/v1.json", "C1/canonical/v2.json"}, paths)
		})
	}
}

func TestPathLayout(t *testing.T) {
	assert.Equal(t, "C1/original.xlsx", OriginalPath("C1"))
	assert.Equal(t, "C1/canonical/v2.json", CanonicalPath("C1", 2))
	assert.Equal(t, "C1/committee/r1/gpt-lane/prompt.txt", CommitteePromptPath("C1", "gpt-lane", 1))
	assert.Equal(t, "C1/verdict/v1.json", VerdictPath("C1", 1))
	assert.Equal(t, "C1/audit/manifest.json", ManifestPath("C1"))

	day := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "logs/2026/08/25/C1.jsonl", EventLogPath("C1", day))
}

func TestPresignRoundTrip(t *testing.T) {
	p, err := NewPresigner("test-secret", "https://core.local/evidence")
	require.NoError(t, err)

	url, err := p.PresignRead("C1/original.xlsx", time.Minute, []string{"auditor"})
	require.NoError(t, err)
	assert.Contains(t, url, "https://core.local/evidence?token=")

	token := url[len("https://core.local/evidence?token="):]
	path, roles, err := p.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "C1/original.xlsx", path)
	assert.Equal(t, []string{"auditor"}, roles)
}

func TestPresignExpiredRejected(t *testing.T) {
	p, err := NewPresigner("test-secret", "https://core.local/evidence")
	require.NoError(t, err)

	url, err := p.PresignRead("C1/original.xlsx", -time.Minute, nil)
	require.NoError(t, err)
	token := url[len("https://core.local/evidence?token="):]

	_, _, err = p.Verify(token)
	assert.Error(t, err)
}
