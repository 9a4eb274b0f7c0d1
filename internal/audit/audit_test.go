package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravenscm/raven/internal/domains"
)

type fakeStore struct {
	entries []domains.UserLog
	err     error
}

func (s *fakeStore) SaveEntry(_ context.Context, entry domains.UserLog) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func newTestLogger(store Store) *Logger {
	l := New(slog.New(slog.NewTextHandler(io.Discard, nil)), store)
	l.now = func() time.Time {
		return time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	}
	return l
}

func TestLoggerSourceInjection(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(store)
	actor := Actor{UserID: 7, Username: "alice", IP: "10.0.0.5"}
	target := &Target{RepoID: 3, RepoName: "acme/widgets"}

	l.LogWeb(context.Background(), "repo.pull_request.create",
		map[string]any{"pull_request": int64(12)}, actor, target)
	l.LogAPI(context.Background(), "repo.pull_request.merge", nil, actor, target)

	require.Len(t, store.entries, 2)

	web := store.entries[0]
	assert.Equal(t, "repo.pull_request.create", web.Action)
	assert.Equal(t, SourceWeb, web.ActionData["source"])
	assert.Equal(t, int64(12), web.ActionData["pull_request"])
	assert.Equal(t, int64(7), web.UserID)
	assert.Equal(t, "alice", web.Username)
	assert.Equal(t, "10.0.0.5", web.IP)
	assert.Equal(t, int64(3), web.RepoID)
	assert.Equal(t, "acme/widgets", web.RepoName)
	assert.Equal(t, domains.UserLogVersion2, web.Version)
	assert.Equal(t, time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC), web.ActionDate)

	api := store.entries[1]
	assert.Equal(t, SourceAPI, api.ActionData["source"])
}

func TestLoggerRejectsUnknownAction(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(store)

	l.LogWeb(context.Background(), "repo.pull_request.frobnicate", nil,
		Actor{UserID: 7, Username: "alice"}, nil)

	assert.Empty(t, store.entries)
}

func TestLoggerSwallowsStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	l := newTestLogger(store)

	assert.NotPanics(t, func() {
		l.LogWeb(context.Background(), "repo.pull_request.close", nil,
			Actor{UserID: 7, Username: "alice"}, nil)
	})
}

func TestLoggerWithoutTarget(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(store)

	l.LogAPI(context.Background(), "user.push", nil, Actor{UserID: 7, Username: "alice"}, nil)

	require.Len(t, store.entries, 1)
	assert.Zero(t, store.entries[0].RepoID)
	assert.Empty(t, store.entries[0].RepoName)
}

func TestKnownAction(t *testing.T) {
	assert.True(t, KnownAction("repo.pull_request.comment.create"))
	assert.True(t, KnownAction("user.pull"))
	assert.False(t, KnownAction("repo.push"))
	assert.False(t, KnownAction(""))
}
