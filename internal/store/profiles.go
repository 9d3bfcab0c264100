package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/showjihyun/agentrag/internal/registry"
)

// SaveProfile upserts an agent profile. Specializations and metrics
// are stored as JSONB so schema changes stay in one place.
func (s *Store) SaveProfile(ctx context.Context, p *registry.Profile) error {
	specs, err := json.Marshal(p.Specializations)
	if err != nil {
		return fmt.Errorf("marshal specializations: %w", err)
	}
	perf, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	collab, err := json.Marshal(p.Collaboration)
	if err != nil {
		return fmt.Errorf("marshal collaboration: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_profiles (id, type, specializations, performance, collaboration, cost_per_task, max_concurrent, status, current_load, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			specializations = EXCLUDED.specializations,
			performance = EXCLUDED.performance,
			collaboration = EXCLUDED.collaboration,
			cost_per_task = EXCLUDED.cost_per_task,
			max_concurrent = EXCLUDED.max_concurrent,
			status = EXCLUDED.status,
			current_load = EXCLUDED.current_load,
			updated_at = EXCLUDED.updated_at`,
		p.ID, string(p.Type), specs, perf, collab,
		p.CostPerTask, p.MaxConcurrent, string(p.Status), p.CurrentLoad,
		p.RegisteredAt, now,
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// GetProfile retrieves a single agent profile by ID.
func (s *Store) GetProfile(ctx context.Context, id string) (*registry.Profile, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, type, specializations, performance, collaboration,
		       cost_per_task, max_concurrent, status, current_load, registered_at
		FROM agent_profiles WHERE id = $1`, id)

	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

// ListProfiles returns all stored agent profiles.
func (s *Store) ListProfiles(ctx context.Context) ([]*registry.Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, type, specializations, performance, collaboration,
		       cost_per_task, max_concurrent, status, current_load, registered_at
		FROM agent_profiles
		ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*registry.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// DeleteProfile removes an agent profile.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agent_profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*registry.Profile, error) {
	var (
		p             registry.Profile
		agentType     string
		agentStatus   string
		specs         []byte
		perf          []byte
		collaboration []byte
	)
	if err := row.Scan(
		&p.ID, &agentType, &specs, &perf, &collaboration,
		&p.CostPerTask, &p.MaxConcurrent, &agentStatus, &p.CurrentLoad, &p.RegisteredAt,
	); err != nil {
		return nil, err
	}
	p.Type = registry.AgentType(agentType)
	p.Status = registry.AgentStatus(agentStatus)
	if err := json.Unmarshal(specs, &p.Specializations); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(perf, &p.Metrics); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(collaboration, &p.Collaboration); err != nil {
		return nil, err
	}
	return &p, nil
}
