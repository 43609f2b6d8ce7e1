package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrenfest-quantum/quasi-board/pkg/canonical"
	"github.com/ehrenfest-quantum/quasi-board/pkg/ledger"
)

const actorURL = "https://gawain.valiant-quantum.com/quasi-board"

func issueServer(t *testing.T, issues []map[string]any, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		_ = json.NewEncoder(w).Encode(issues)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcherMapsIssues(t *testing.T) {
	srv := issueServer(t, []map[string]any{
		{
			"number":   7,
			"title":    "QUASI-007: Urns package index",
			"html_url": "https://github.com/ehrenfest-quantum/quasi/issues/7",
			"body":     "Design the Urns package index format.",
			"labels":   []map[string]any{{"name": "good-first-task"}},
		},
	}, nil)

	got, err := NewFetcher(srv.URL, "").Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "QUASI-007", got[0].ID)
	assert.Equal(t, []string{"good-first-task"}, got[0].Labels)
	assert.False(t, got[0].FetchedAt.IsZero())
}

func TestFetcherSendsToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, "ghp_testtoken").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer ghp_testtoken", gotAuth.Load())
}

func TestCacheKeepsLastKnownGoodOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := issueServer(t, []map[string]any{
		{"number": 1, "title": "QUASI-001: x", "html_url": "u", "body": "b"},
	}, &fail)

	cache := NewCache(NewFetcher(srv.URL, ""), nil)
	require.NoError(t, cache.Refresh(context.Background()))
	require.Len(t, cache.Snapshot(), 1)

	fail.Store(true)
	require.Error(t, cache.Refresh(context.Background()))
	assert.Len(t, cache.Snapshot(), 1, "failed refresh must retain the last snapshot")
}

func TestGenesisTasks(t *testing.T) {
	now := time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)
	list := GenesisTasks("https://github.com/ehrenfest-quantum/quasi", now)
	require.Len(t, list, 3)
	assert.Equal(t, "QUASI-001", list[0].ID)
	assert.Equal(t, "QUASI-003", list[2].ID)
}

func TestProjectOpenTask(t *testing.T) {
	now := time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)
	p := NewProjector(actorURL, func(string) ledger.Status {
		return ledger.Status{Kind: ledger.StatusOpen}
	}).WithClock(func() time.Time { return now })

	note := p.Project(Task{ID: "QUASI-001", Number: 1, Title: "QUASI-001: x", URL: "u", Body: "b"})

	assert.Equal(t, "Note", note.Type)
	assert.Equal(t, actorURL+"/tasks/1", note.ID)
	assert.Equal(t, "open", note.Status)
	assert.Empty(t, note.ClaimedBy)
	assert.Nil(t, note.ExpiresAt)
	assert.Equal(t, actorURL+"/inbox", note.ClaimURL)
}

func TestProjectClaimedTask(t *testing.T) {
	now := time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)
	expires := now.Add(ledger.ClaimTTL)
	p := NewProjector(actorURL, func(task string) ledger.Status {
		assert.Equal(t, "QUASI-001", task)
		return ledger.Status{Kind: ledger.StatusClaimed, ClaimedBy: "claude-sonnet-4-6", ExpiresAt: expires}
	}).WithClock(func() time.Time { return now })

	note := p.Project(Task{ID: "QUASI-001", Number: 1})

	assert.Equal(t, "claimed", note.Status)
	assert.Equal(t, "claude-sonnet-4-6", note.ClaimedBy)
	require.NotNil(t, note.ExpiresAt)
	assert.True(t, note.ExpiresAt.Equal(expires))
}

// A projected Note parsed back and re-serialized must produce identical
// canonical bytes.
func TestNoteCanonicalRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 23, 10, 0, 0, 123456000, time.UTC)
	p := NewProjector(actorURL, func(string) ledger.Status {
		return ledger.Status{Kind: ledger.StatusDone}
	}).WithClock(func() time.Time { return now })

	note := p.Project(Task{ID: "QUASI-002", Number: 2, Title: "t", URL: "u", Body: "<b>&</b>"})

	first, err := canonical.Canonicalize(note)
	require.NoError(t, err)

	var back Note
	require.NoError(t, json.Unmarshal(first, &back))
	second, err := canonical.Canonicalize(back)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}
