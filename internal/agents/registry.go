package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

// Candidate is an agent endpoint reported by a discovery source.
type Candidate struct {
	Endpoint       string
	Name           string
	Description    string
	SourceMetadata map[string]any
}

// Source enumerates candidate agent endpoints.
type Source interface {
	Name() string
	Candidates(ctx context.Context) ([]Candidate, error)
}

// DiscoveryResult summarizes one discovery pass.
type DiscoveryResult struct {
	Discovered int     `json:"discovered"`
	New        int     `json:"new_agents"`
	Existing   int     `json:"existing_agents"`
	Agents     []Agent `json:"agents"`
}

// Patch is an administrator edit. Nil fields are left unchanged.
type Patch struct {
	Name          *string        `json:"name,omitempty"`
	Description   *string        `json:"description,omitempty"`
	Status        *string        `json:"status,omitempty"`
	AdminMetadata map[string]any `json:"admin_metadata,omitempty"`
}

// Registry is the agent catalog. It owns its store and the sources it
// discovers from.
type Registry struct {
	store   *Store
	sources []Source
	logger  *slog.Logger
}

// NewRegistry creates a registry over store that discovers from sources.
func NewRegistry(store *Store, logger *slog.Logger, sources ...Source) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		sources: sources,
		logger:  logger.With("component", "agents"),
	}
}

// Discover pulls candidates from every source and merges them into the
// catalog. A source that cannot be reached contributes no candidates;
// discovery still succeeds with whatever the other sources returned.
func (r *Registry) Discover(ctx context.Context) (*DiscoveryResult, error) {
	var all []Candidate
	for _, src := range r.sources {
		cands, err := src.Candidates(ctx)
		if err != nil {
			r.logger.Warn("agent discovery source failed",
				"source", src.Name(),
				"error", err,
			)
			continue
		}
		r.logger.Debug("agent discovery source returned",
			"source", src.Name(),
			"candidates", len(cands),
		)
		all = append(all, cands...)
	}
	return r.DiscoverCandidates(ctx, all)
}

// DiscoverCandidates merges an explicit candidate list into the catalog.
// Existing agents have their source-reported fields refreshed unless an
// administrator overrode them; status and admin metadata never change.
// Unknown endpoints are inserted with status new. The result lists the
// discovered agents first, then every other catalog entry.
func (r *Registry) DiscoverCandidates(ctx context.Context, cands []Candidate) (*DiscoveryResult, error) {
	res := &DiscoveryResult{Agents: []Agent{}}
	seen := make(map[string]bool)

	for _, c := range cands {
		c.Endpoint = strings.TrimSpace(c.Endpoint)
		if c.Endpoint == "" {
			continue
		}
		id := AgentID(c.Endpoint)
		if seen[id] {
			continue
		}
		seen[id] = true
		if c.Name == "" {
			c.Name = c.Endpoint
		}
		res.Discovered++

		existing, err := r.store.Get(ctx, id)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			if err := r.store.insert(ctx, c); err != nil {
				return nil, err
			}
			res.New++
			r.logger.Info("agent discovered", "agent_id", id, "name", c.Name)
		case err != nil:
			return nil, err
		default:
			if !flag(existing.AdminMetadata, metaNameOverridden) {
				existing.Name = c.Name
			}
			if !flag(existing.AdminMetadata, metaDescriptionOverridden) {
				existing.Description = c.Description
			}
			existing.SourceMetadata = c.SourceMetadata
			if err := r.store.refresh(ctx, existing); err != nil {
				return nil, err
			}
			res.Existing++
		}

		a, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Agents = append(res.Agents, *a)
	}

	all, err := r.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if !seen[a.ID] {
			res.Agents = append(res.Agents, a)
		}
	}
	return res, nil
}

func flag(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// ListEnabled returns enabled agents ordered by name. This is the set the
// autonomous router chooses from.
func (r *Registry) ListEnabled(ctx context.Context) ([]Agent, error) {
	return r.store.List(ctx, StatusEnabled)
}

// ListAll returns every catalog entry ordered by name.
func (r *Registry) ListAll(ctx context.Context) ([]Agent, error) {
	return r.store.List(ctx, "")
}

// Get returns one agent.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	return r.store.Get(ctx, id)
}

// Update applies an administrator edit. Editing the name or description
// marks that field as overridden so later discovery keeps the edit.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (*Agent, error) {
	var status Status
	if p.Status != nil {
		var err error
		if status, err = ParseStatus(*p.Status); err != nil {
			return nil, err
		}
	}

	a, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for k, v := range p.AdminMetadata {
		a.AdminMetadata[k] = v
	}
	if p.Name != nil {
		a.Name = *p.Name
		a.AdminMetadata[metaNameOverridden] = true
	}
	if p.Description != nil {
		a.Description = *p.Description
		a.AdminMetadata[metaDescriptionOverridden] = true
	}
	if p.Status != nil {
		a.Status = status
	}

	if err := r.store.save(ctx, a); err != nil {
		return nil, err
	}
	r.logger.Info("agent updated", "agent_id", id, "status", a.Status)
	return r.store.Get(ctx, id)
}

// Remove deletes an agent from the catalog.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	r.logger.Info("agent removed", "agent_id", id)
	return nil
}
