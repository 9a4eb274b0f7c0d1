package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Result is the wire shape of a successful hook callback. A non-zero status
// aborts the VCS operation on the client side; output is shown to the user.
type Result struct {
	Status int    `json:"status"`
	Output string `json:"output"`
}

// DeniedError is a policy denial raised by a hook. It maps to a regular
// non-zero Result instead of the internal error shape, so the client shows
// the explanation without a traceback.
type DeniedError struct {
	Code        int
	Explanation string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied (%d): %s", e.Code, e.Explanation)
}

// ErrBranchProtected builds the denial raised when branch permissions forbid
// the push.
func ErrBranchProtected(branch, rule string) *DeniedError {
	return &DeniedError{
		Code:        403,
		Explanation: fmt.Sprintf("branch `%s` changes rejected by rule %s", branch, rule),
	}
}

// ErrRepoLocked builds the denial raised when the repository is locked by
// another user.
func ErrRepoLocked(repository, lockedBy string) *DeniedError {
	return &DeniedError{
		Code:        423,
		Explanation: fmt.Sprintf("repository `%s` locked by user `%s`", repository, lockedBy),
	}
}

// Callbacks is what the application plugs into the daemon. Each method
// corresponds to one hook fired by the VCS backend during an operation.
type Callbacks interface {
	RepoSize(extras Extras) (Result, error)
	PrePull(extras Extras) (Result, error)
	PostPull(extras Extras) (Result, error)
	PrePush(extras Extras) (Result, error)
	PostPush(extras Extras) (Result, error)
}

type hookRequest struct {
	Method string `json:"method"`
	Extras Extras `json:"extras"`
}

// internalError is the wire shape of an unexpected hook failure. Status 128
// tells the client this is a programmer error, not a policy denial.
type internalError struct {
	Status             int      `json:"status"`
	Exception          string   `json:"exception"`
	ExceptionTraceback string   `json:"exception_traceback"`
	ExceptionArgs      []string `json:"exception_args"`
}

// handler dispatches callback requests to the registered hooks. When txnID is
// set, every request must prove it belongs to the transaction the daemon was
// started for.
type handler struct {
	log   *slog.Logger
	hooks Callbacks
	txnID string
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "hooks.handler.ServeHTTP"

	log := h.log.With(slog.String("op", op))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request", http.StatusBadRequest)
		return
	}

	var req hookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Error("malformed hook request", slog.String("error", err.Error()))
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	log = log.With(
		slog.String("method", req.Method),
		slog.String("repository", req.Extras.Repository))

	if h.txnID != "" {
		if computed := TxnKey(req.Extras.Repository, req.Extras.TxnID); computed != h.txnID {
			log.Error("transaction id mismatch", slog.String("got", computed))
			http.Error(w, "transaction id mismatch", http.StatusForbidden)
			return
		}
	}

	result, err := h.dispatch(req)
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			log.Info("hook denied", slog.Int("code", denied.Code))
			writeJSON(w, Result{Status: denied.Code, Output: denied.Explanation})
			return
		}
		log.Error("hook failed", slog.String("error", err.Error()))
		writeJSON(w, internalError{
			Status:             128,
			Exception:          "HookCallbackError",
			ExceptionTraceback: string(debug.Stack()),
			ExceptionArgs:      []string{err.Error()},
		})
		return
	}
	writeJSON(w, result)
}

func (h *handler) dispatch(req hookRequest) (Result, error) {
	switch req.Method {
	case MethodRepoSize:
		return h.hooks.RepoSize(req.Extras)
	case MethodPrePull:
		return h.hooks.PrePull(req.Extras)
	case MethodPostPull:
		return h.hooks.PostPull(req.Extras)
	case MethodPrePush:
		return h.hooks.PrePush(req.Extras)
	case MethodPostPush:
		return h.hooks.PostPush(req.Extras)
	}
	return Result{}, fmt.Errorf("unknown hook method %q", req.Method)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
