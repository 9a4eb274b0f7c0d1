// Package scm implements the hook callbacks fired by the VCS backend around
// pull and push operations: repository locks, branch protection rules and
// the push/pull audit trail.
package scm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/hooks"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
)

type Repository interface {
	GetRepoByName(ctx context.Context, name string) (*domains.Repo, error)
	BranchPermission(ctx context.Context, repoID, userID int64, branch string) (rule, permission string, err error)
}

// Service satisfies hooks.Callbacks.
type Service struct {
	log   *slog.Logger
	repo  Repository
	audit *audit.Logger
}

func New(log *slog.Logger, repo Repository, auditLog *audit.Logger) *Service {
	return &Service{log: log, repo: repo, audit: auditLog}
}

func (s *Service) RepoSize(extras hooks.Extras) (hooks.Result, error) {
	// Size limits are not enforced; the hook exists so backends with a
	// mandatory callback set never fail.
	return hooks.Result{Status: 0}, nil
}

func (s *Service) PrePull(extras hooks.Extras) (hooks.Result, error) {
	if _, err := s.loadRepo(extras.Repository); err != nil {
		return hooks.Result{}, err
	}
	return hooks.Result{Status: 0}, nil
}

func (s *Service) PostPull(extras hooks.Extras) (hooks.Result, error) {
	repo, err := s.loadRepo(extras.Repository)
	if err != nil {
		return hooks.Result{}, err
	}
	s.auditScm(extras, "user.pull", repo, nil)
	return hooks.Result{Status: 0}, nil
}

// PrePush rejects pushes into locked repositories and pushes touching a
// branch whose rule forbids all changes. Everything else passes.
func (s *Service) PrePush(extras hooks.Extras) (hooks.Result, error) {
	const op = "usecase.scm.PrePush"

	repo, err := s.loadRepo(extras.Repository)
	if err != nil {
		return hooks.Result{}, err
	}

	if repo.IsLocked() && repo.LockedBy != extras.Username {
		return hooks.Result{}, hooks.ErrRepoLocked(repo.Name, repo.LockedBy)
	}

	for _, branch := range extras.Branches {
		rule, permission, err := s.repo.BranchPermission(context.Background(), repo.ID, extras.UserID, branch)
		if err != nil {
			return hooks.Result{}, fmt.Errorf("%s: %w", op, err)
		}
		if permission == domains.PermBranchNone {
			s.log.Info("push rejected by branch rule",
				slog.String("op", op),
				slog.String("repository", repo.Name),
				slog.String("branch", branch),
				slog.String("rule", rule))
			return hooks.Result{}, hooks.ErrBranchProtected(branch, rule)
		}
	}
	return hooks.Result{Status: 0}, nil
}

func (s *Service) PostPush(extras hooks.Extras) (hooks.Result, error) {
	repo, err := s.loadRepo(extras.Repository)
	if err != nil {
		return hooks.Result{}, err
	}
	s.auditScm(extras, "user.push", repo, map[string]any{"commit_ids": extras.CommitIDs})
	return hooks.Result{Status: 0, Output: fmt.Sprintf("pushed %d commits", len(extras.CommitIDs))}, nil
}

func (s *Service) loadRepo(name string) (*domains.Repo, error) {
	repo, err := s.repo.GetRepoByName(context.Background(), name)
	if err != nil {
		if errors.Is(err, repository.ErrRepoNotFound) {
			return nil, usecase.ErrRepoNotFound
		}
		return nil, err
	}
	return repo, nil
}

func (s *Service) auditScm(extras hooks.Extras, action string, repo *domains.Repo, data map[string]any) {
	s.audit.LogAPI(context.Background(), action, data,
		audit.Actor{UserID: extras.UserID, Username: extras.Username, IP: extras.IP},
		&audit.Target{RepoID: repo.ID, RepoName: repo.Name})
}
