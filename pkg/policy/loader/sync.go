package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"fleetops/warden/pkg/canonical"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/policy/store"
)

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Created   []string
	Activated []string
	Unchanged []string
	Failed    map[string]error
}

// Syncer loads policy files and records changed definitions as new drafts.
type Syncer struct {
	loader       *Loader
	store        *store.Store
	path         string
	autoActivate bool
	logger       *slog.Logger
}

// NewSyncer creates a Syncer for the file or directory at path. When
// autoActivate is set, each new draft is activated immediately.
func NewSyncer(l *Loader, s *store.Store, path string, autoActivate bool) *Syncer {
	return &Syncer{
		loader:       l,
		store:        s,
		path:         path,
		autoActivate: autoActivate,
		logger:       slog.Default().With("component", "policy.loader"),
	}
}

// Sync loads the configured path and stores every changed definition. A
// definition that fails activation stays a draft and is reported in Failed;
// it does not abort the rest of the pass.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	templates, err := s.loader.Load(s.path)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Failed: make(map[string]error)}
	for _, t := range templates {
		changed, err := s.changed(ctx, t)
		if err != nil {
			result.Failed[t.Code] = err
			continue
		}
		if !changed {
			result.Unchanged = append(result.Unchanged, t.Code)
			continue
		}

		draft, err := s.store.CreateDraft(ctx, t)
		if err != nil {
			result.Failed[t.Code] = err
			continue
		}
		result.Created = append(result.Created, t.Code)

		if s.autoActivate {
			if _, err := s.store.Activate(ctx, draft.Code, draft.Version); err != nil {
				result.Failed[t.Code] = err
				continue
			}
			result.Activated = append(result.Activated, t.Code)
		}
	}

	s.logger.Info("policy sync complete",
		"path", s.path,
		"created", len(result.Created),
		"activated", len(result.Activated),
		"unchanged", len(result.Unchanged),
		"failed", len(result.Failed),
	)
	return result, nil
}

// Reload adapts Sync to the watcher callback signature.
func (s *Syncer) Reload(ctx context.Context) func() error {
	return func() error {
		res, err := s.Sync(ctx)
		if err != nil {
			return err
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d policies failed to sync", len(res.Failed))
		}
		return nil
	}
}

// changed reports whether t differs from the latest stored version of its code.
func (s *Syncer) changed(ctx context.Context, t *policy.Template) (bool, error) {
	versions, err := s.store.Versions(ctx, t.Code)
	if errors.Is(err, policy.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	latest := versions[len(versions)-1]

	want, err := Digest(t)
	if err != nil {
		return false, err
	}
	have, err := Digest(latest)
	if err != nil {
		return false, err
	}
	return want != have, nil
}

type definition struct {
	Code          string                  `json:"code"`
	Tenant        string                  `json:"tenant,omitempty"`
	Name          string                  `json:"name,omitempty"`
	Description   string                  `json:"description,omitempty"`
	Conditions    []policy.Condition      `json:"conditions,omitempty"`
	Actions       []policy.Action         `json:"actions,omitempty"`
	Schedule      string                  `json:"schedule,omitempty"`
	Mandatory     bool                    `json:"mandatory,omitempty"`
	SubjectKind   string                  `json:"subject_kind,omitempty"`
	Events        []string                `json:"events,omitempty"`
	OnViolationOf []string                `json:"on_violation_of,omitempty"`
	Escalation    []policy.EscalationTier `json:"escalation,omitempty"`
}

// Digest hashes the user-authored parts of a template. Version, status and
// timestamps are excluded, so two versions with the same definition share a
// digest.
func Digest(t *policy.Template) (string, error) {
	data, err := canonical.Marshal(definition{
		Code:          t.Code,
		Tenant:        t.Tenant,
		Name:          t.Name,
		Description:   t.Description,
		Conditions:    t.Conditions,
		Actions:       t.Actions,
		Schedule:      t.Schedule,
		Mandatory:     t.Mandatory,
		SubjectKind:   t.SubjectKind,
		Events:        t.Events,
		OnViolationOf: t.OnViolationOf,
		Escalation:    t.Escalation,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize policy %s: %w", t.Code, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
