package pull_request

import (
	"context"
	"errors"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
)

// Versions lists the frozen snapshots of a pull request, oldest first.
func (s *Service) Versions(ctx context.Context, id int64) ([]domains.PullRequestVersion, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetVersions(ctx, id)
}

// GetAtVersion renders the pull request as it looked at the given version.
// Version 0 means latest.
func (s *Service) GetAtVersion(ctx context.Context, id, versionID int64) (*domains.PullRequestDisplay, error) {
	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if versionID == 0 {
		return &domains.PullRequestDisplay{PullRequest: *pr}, nil
	}

	ver, err := s.repo.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, repository.ErrVersionNotFound) {
			return nil, usecase.ErrVersionNotFound
		}
		return nil, err
	}
	if ver.PullRequestID != id {
		return nil, usecase.ErrVersionNotFound
	}

	display := &domains.PullRequestDisplay{PullRequest: *pr, AtVersionID: ver.ID}
	display.Title = ver.Title
	display.Description = ver.Description
	display.DescriptionRenderer = ver.DescriptionRenderer
	display.SourceRef = ver.SourceRef
	display.TargetRef = ver.TargetRef
	display.Revisions = ver.Revisions
	display.CommonAncestorID = ver.CommonAncestorID
	return display, nil
}

// CommitVersions maps every commit that ever belonged to the pull request to
// the version ids containing it. Commits of the live revision list appear
// under version 0.
func (s *Service) CommitVersions(ctx context.Context, id int64) (map[string][]int64, error) {
	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	versions, err := s.repo.GetVersions(ctx, id)
	if err != nil {
		return nil, err
	}

	byCommit := make(map[string][]int64)
	for _, rev := range pr.Revisions {
		byCommit[rev] = append(byCommit[rev], 0)
	}
	for _, ver := range versions {
		for _, rev := range ver.Revisions {
			byCommit[rev] = append(byCommit[rev], ver.ID)
		}
	}
	return byCommit, nil
}
