// Package audit writes the append-only action journal. Audit failures are
// logged and swallowed: a journal problem must never break the operation
// being journaled.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ravenscm/raven/internal/domains"
)

// Sources stamped into action data depending on the entry point.
const (
	SourceWeb = "source_web"
	SourceAPI = "source_api"
)

// Recognized actions. Entries with an action outside this set are rejected
// before they reach storage.
var actions = map[string]struct{}{
	"user.push": {},
	"user.pull": {},

	"repo.pull_request.create": {},
	"repo.pull_request.edit":   {},
	"repo.pull_request.update": {},
	"repo.pull_request.merge":  {},
	"repo.pull_request.close":  {},
	"repo.pull_request.delete": {},
	"repo.pull_request.vote":   {},

	"repo.pull_request.comment.create": {},
	"repo.pull_request.comment.edit":   {},
	"repo.pull_request.comment.delete": {},

	"repo.pull_request.reviewer.add":    {},
	"repo.pull_request.reviewer.delete": {},
	"repo.pull_request.observer.add":    {},
	"repo.pull_request.observer.delete": {},
}

// KnownAction reports whether action belongs to the journal vocabulary.
func KnownAction(action string) bool {
	_, ok := actions[action]
	return ok
}

// Actor identifies who performed the action.
type Actor struct {
	UserID   int64
	Username string
	IP       string
}

// Target is the repository the action happened in, when there is one.
type Target struct {
	RepoID   int64
	RepoName string
}

// Store persists journal entries. Saving an entry also bumps the actor's
// last activity timestamp inside the same transaction.
type Store interface {
	SaveEntry(ctx context.Context, entry domains.UserLog) error
}

type Logger struct {
	log   *slog.Logger
	store Store
	now   func() time.Time
}

func New(log *slog.Logger, store Store) *Logger {
	return &Logger{log: log, store: store, now: time.Now}
}

// LogWeb journals an action performed through the web surface.
func (l *Logger) LogWeb(ctx context.Context, action string, data map[string]any, actor Actor, target *Target) {
	l.record(ctx, action, data, actor, target, SourceWeb)
}

// LogAPI journals an action performed through the RPC surface.
func (l *Logger) LogAPI(ctx context.Context, action string, data map[string]any, actor Actor, target *Target) {
	l.record(ctx, action, data, actor, target, SourceAPI)
}

func (l *Logger) record(ctx context.Context, action string, data map[string]any, actor Actor, target *Target, source string) {
	const op = "audit.Logger.store"

	log := l.log.With(
		slog.String("op", op),
		slog.String("action", action),
		slog.String("username", actor.Username))

	if !KnownAction(action) {
		log.Error("unregistered audit action dropped")
		return
	}

	actionData := make(map[string]any, len(data)+1)
	for k, v := range data {
		actionData[k] = v
	}
	actionData["source"] = source

	entry := domains.UserLog{
		Action:     action,
		ActionData: actionData,
		UserID:     actor.UserID,
		Username:   actor.Username,
		IP:         actor.IP,
		ActionDate: l.now().UTC(),
		Version:    domains.UserLogVersion2,
	}
	if target != nil {
		entry.RepoID = target.RepoID
		entry.RepoName = target.RepoName
	}

	if err := l.store.SaveEntry(ctx, entry); err != nil {
		log.Error("failed to store audit entry", slog.String("error", err.Error()))
		return
	}
	log.Info(fmt.Sprintf("logged audit action %s", action))
}
