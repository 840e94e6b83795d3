// Package store persists the gateway's entities — services, agents,
// credentials, scope bindings, and audit records — in a relational store.
//
// Schema migrations are owned by an external tool; EnsureSchema only
// bootstraps missing tables for fresh deployments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AuthKind declares how a service authenticates upstream requests.
type AuthKind string

const (
	AuthAPIKey AuthKind = "apiKey"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth2 AuthKind = "oauth2"
)

// Service is an external HTTP service registered by a user.
type Service struct {
	ID          int64
	OwnerUserID int64
	Name        string
	BaseURL     string
	AuthKind    AuthKind
}

// Agent is a non-human principal holding a long-lived API key.
type Agent struct {
	ID             int64
	OwnerUserID    int64
	DisplayName    string
	KeyFingerprint string
	KeyPrefix      string
	Active         bool
	LastUsedAt     *time.Time
}

// Credential is an encrypted credential value scoped to one service.
// Ciphertext is the vault's iv||tag||ct blob; plaintext never touches
// this package.
type Credential struct {
	ID         int64
	ServiceID  int64
	Name       string
	Ciphertext []byte
}

// Sentinel errors for lookups.
var (
	ErrNotFound       = errors.New("not found")
	ErrNoScope        = errors.New("no service in scope for target")
	ErrAmbiguousScope = errors.New("ambiguous scope: multiple services match target")
)

// Store wraps the relational database.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that own their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id BIGSERIAL PRIMARY KEY,
		owner_user_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		auth_kind TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		id BIGSERIAL PRIMARY KEY,
		service_id BIGINT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		UNIQUE (service_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id BIGSERIAL PRIMARY KEY,
		owner_user_id BIGINT NOT NULL,
		display_name TEXT NOT NULL,
		key_fingerprint TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS scope_bindings (
		agent_id BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		service_id BIGINT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		PRIMARY KEY (agent_id, service_id)
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		id BIGSERIAL PRIMARY KEY,
		agent_id BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		request_fingerprint TEXT NOT NULL,
		phase TEXT NOT NULL,
		cached_status INT,
		cached_headers TEXT,
		cached_body TEXT,
		error_summary TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		UNIQUE (agent_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS approval_entries (
		action_id TEXT PRIMARY KEY,
		agent_id BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		service_id BIGINT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		method TEXT NOT NULL,
		target_url TEXT NOT NULL,
		stripped_headers TEXT NOT NULL,
		body TEXT,
		intent TEXT NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		risk_explanation TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		approval_expires_at TIMESTAMPTZ,
		executed_at TIMESTAMPTZ,
		cached_status INT,
		cached_headers TEXT,
		cached_body TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		id BIGSERIAL PRIMARY KEY,
		agent_id BIGINT NOT NULL,
		service_id BIGINT NOT NULL,
		idempotency_record_id BIGINT,
		method TEXT NOT NULL,
		target_url TEXT NOT NULL,
		intent TEXT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		status INT,
		error_summary TEXT
	)`,
}

// EnsureSchema creates any missing tables. Statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
