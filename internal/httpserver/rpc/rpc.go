// Package rpc exposes the pull request engine on a single JSON-RPC style
// endpoint. Requests are POSTed as {id, method, args} and answered with
// {id, result, error}; error is a plain string and excludes result.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/hooks"
	"github.com/ravenscm/raven/internal/lib/api/response"
	"github.com/ravenscm/raven/internal/usecase"
	"github.com/ravenscm/raven/internal/usecase/comments"
	"github.com/ravenscm/raven/internal/usecase/pull_request"
	"github.com/ravenscm/raven/internal/vcs"
)

const InvalidRequest = "INVALID_REQUEST"

type PullRequests interface {
	Get(ctx context.Context, id int64) (*domains.PullRequest, error)
	List(ctx context.Context, targetRepoID int64, status string) ([]domains.PullRequest, error)
	Create(ctx context.Context, params pull_request.CreateParams) (*domains.PullRequest, error)
	Edit(ctx context.Context, id int64, title, description, renderer string, actorID int64) (*domains.PullRequest, error)
	UpdateReviewers(ctx context.Context, id int64, role string, specs []pull_request.ReviewerSpec, actorID int64) (added, removed []int64, err error)
	UpdateCommits(ctx context.Context, id int64, actorID int64) (pull_request.UpdateResponse, error)
	Merge(ctx context.Context, id, actorID int64, extras hooks.Extras) (*pull_request.MergeResult, error)
	MergeState(ctx context.Context, id int64) (*vcs.MergeResponse, error)
	Close(ctx context.Context, id int64, actorID int64) (*domains.PullRequest, error)
	CloseWithComment(ctx context.Context, id int64, message string, actorID int64) (*domains.PullRequest, *domains.Comment, error)
	Delete(ctx context.Context, id int64, actorID int64) error
	Versions(ctx context.Context, id int64) ([]domains.PullRequestVersion, error)
}

type Comments interface {
	CreateComment(ctx context.Context, params comments.CreateParams) (*domains.Comment, error)
	EditComment(ctx context.Context, id int64, text string, version int, userID int64) (*domains.Comment, error)
	GetComments(ctx context.Context, pullRequestID int64) ([]domains.Comment, error)
}

type Statuses interface {
	SetStatus(ctx context.Context, pullRequestID, userID int64, status string, commentID *int64) (*domains.ChangesetStatus, error)
}

type Repos interface {
	GetRepoByName(ctx context.Context, name string) (*domains.Repo, error)
}

type Handler struct {
	log      *slog.Logger
	prs      PullRequests
	comments Comments
	statuses Statuses
	repos    Repos
}

func New(log *slog.Logger, prs PullRequests, commentsSvc Comments, statuses Statuses, repos Repos) *Handler {
	return &Handler{
		log:      log,
		prs:      prs,
		comments: commentsSvc,
		statuses: statuses,
		repos:    repos,
	}
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
	Error  *string         `json:"error"`
}

type ctxKey int

const remoteAddrKey ctxKey = 0

func remoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey).(string)
	return addr
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "http.rpc.ServeHTTP"

	log := h.log.With(slog.String("op", op))

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn("invalid request body", slog.Any("error", err))

		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).
			Encode(response.NewErrorResponse(InvalidRequest, "invalid JSON format"))
		return
	}

	ctx := context.WithValue(r.Context(), remoteAddrKey, r.RemoteAddr)

	resp := envelope{ID: req.ID}
	call, ok := h.method(req.Method)
	if !ok {
		msg := "method not found: " + req.Method
		log.Warn("unknown method", slog.String("method", req.Method))
		resp.Error = &msg
	} else {
		result, err := call(ctx, req.Args)
		if err != nil {
			log.Warn("method failed",
				slog.String("method", req.Method),
				slog.Any("error", err))
			msg := errorMessage(err)
			resp.Error = &msg
		} else {
			resp.Result = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("failed to encode response", slog.Any("error", err))
	}
}

type methodFunc func(ctx context.Context, args json.RawMessage) (any, error)

func (h *Handler) method(name string) (methodFunc, bool) {
	switch name {
	case "get_pull_request":
		return h.getPullRequest, true
	case "get_pull_requests":
		return h.getPullRequests, true
	case "create_pull_request":
		return h.createPullRequest, true
	case "update_pull_request":
		return h.updatePullRequest, true
	case "merge_pull_request":
		return h.mergePullRequest, true
	case "comment_pull_request":
		return h.commentPullRequest, true
	case "edit_comment":
		return h.editComment, true
	case "get_pull_request_comments":
		return h.getPullRequestComments, true
	case "close_pull_request":
		return h.closePullRequest, true
	case "delete_pull_request":
		return h.deletePullRequest, true
	}
	return nil, false
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return errors.New("missing args")
	}
	return json.Unmarshal(raw, into)
}

var sentinels = []error{
	usecase.ErrPullRequestNotFound,
	usecase.ErrVersionNotFound,
	usecase.ErrCommentNotFound,
	usecase.ErrUserNotFound,
	usecase.ErrRepoNotFound,
	usecase.ErrNoCommits,
	usecase.ErrNoCommonAncestor,
	usecase.ErrPullRequestClosed,
	usecase.ErrInvalidState,
	usecase.ErrCommentVersionMismatch,
	usecase.ErrNotAllowed,
}

// errorMessage strips sentinel failures down to their caller-facing message;
// anything else passes through verbatim.
func errorMessage(err error) string {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
