package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// ServiceByID fetches a single service. Returns ErrNotFound on miss.
func (s *Store) ServiceByID(ctx context.Context, serviceID int64) (*Service, error) {
	var svc Service
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, name, base_url, auth_kind FROM services WHERE id = $1`,
		serviceID,
	).Scan(&svc.ID, &svc.OwnerUserID, &svc.Name, &svc.BaseURL, &svc.AuthKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ServicesForAgent returns every service the agent is scoped to.
func (s *Store) ServicesForAgent(ctx context.Context, agentID int64) ([]Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.owner_user_id, s.name, s.base_url, s.auth_kind
		 FROM services s
		 JOIN scope_bindings b ON b.service_id = s.id
		 WHERE b.agent_id = $1`,
		agentID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var services []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.OwnerUserID, &svc.Name, &svc.BaseURL, &svc.AuthKind); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// ResolveScope selects the one scoped service whose base URL prefixes
// targetURL. When several bound base URLs prefix the target, the longest
// match wins; an exact length tie fails with ErrAmbiguousScope. No match
// fails with ErrNoScope (indistinguishable from an unknown service).
func (s *Store) ResolveScope(ctx context.Context, agentID int64, targetURL string) (*Service, error) {
	services, err := s.ServicesForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var best *Service
	tie := false
	for i := range services {
		svc := &services[i]
		if !strings.HasPrefix(targetURL, svc.BaseURL) {
			continue
		}
		switch {
		case best == nil || len(svc.BaseURL) > len(best.BaseURL):
			best = svc
			tie = false
		case len(svc.BaseURL) == len(best.BaseURL):
			tie = true
		}
	}

	if best == nil {
		return nil, ErrNoScope
	}
	if tie {
		return nil, ErrAmbiguousScope
	}
	return best, nil
}
