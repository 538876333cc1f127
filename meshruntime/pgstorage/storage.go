// Package pgstorage backs a stateful actor's key/value storage with
// Postgres: one row per (binding, instance, key), so every actor instance
// owns its own durable namespace and survives process restarts with its
// identity and persisted state intact.
package pgstorage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/meshcore/common/db"
	"github.com/lyzr/meshcore/meshactor"
)

// Schema is the DDL for the actor state table. Callers run it through a
// bootstrap DB init hook.
const Schema = `
CREATE TABLE IF NOT EXISTS mesh_actor_state (
	binding_name  TEXT NOT NULL,
	instance_name TEXT NOT NULL,
	key           TEXT NOT NULL,
	value         TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (binding_name, instance_name, key)
);
`

// EnsureSchema creates the actor state table if missing.
func EnsureSchema(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create mesh_actor_state table: %w", err)
	}
	return nil
}

// ActorKV implements meshactor.KV for one (binding, instance) pair.
type ActorKV struct {
	db           *db.DB
	bindingName  string
	instanceName string
}

// NewActorKV scopes storage to one actor instance.
func NewActorKV(database *db.DB, bindingName, instanceName string) *ActorKV {
	return &ActorKV{db: database, bindingName: bindingName, instanceName: instanceName}
}

// Get retrieves one key.
func (s *ActorKV) Get(ctx context.Context, key string) (string, bool, error) {
	query := `
		SELECT value FROM mesh_actor_state
		WHERE binding_name = $1 AND instance_name = $2 AND key = $3
	`
	var value string
	err := s.db.QueryRow(ctx, query, s.bindingName, s.instanceName, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get actor state key %s: %w", key, err)
	}
	return value, true, nil
}

// Put upserts one key.
func (s *ActorKV) Put(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO mesh_actor_state (binding_name, instance_name, key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (binding_name, instance_name, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, s.bindingName, s.instanceName, key, value); err != nil {
		return fmt.Errorf("failed to put actor state key %s: %w", key, err)
	}
	return nil
}

// Delete removes one key.
func (s *ActorKV) Delete(ctx context.Context, key string) error {
	query := `
		DELETE FROM mesh_actor_state
		WHERE binding_name = $1 AND instance_name = $2 AND key = $3
	`
	if _, err := s.db.Exec(ctx, query, s.bindingName, s.instanceName, key); err != nil {
		return fmt.Errorf("failed to delete actor state key %s: %w", key, err)
	}
	return nil
}

// List returns every key under prefix for this instance.
func (s *ActorKV) List(ctx context.Context, prefix string) (map[string]string, error) {
	query := `
		SELECT key, value FROM mesh_actor_state
		WHERE binding_name = $1 AND instance_name = $2 AND key LIKE $3 || '%'
	`
	rows, err := s.db.Query(ctx, query, s.bindingName, s.instanceName, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list actor state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan actor state row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

var _ meshactor.KV = (*ActorKV)(nil)
