package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"runline/internal/domain"
)

// HashAPIKey returns the stored hash for a raw API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a new key for an actor and returns the raw secret once.
func (r Repo) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor id required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "rl_" + hex.EncodeToString(buf)
	k := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

// GetAPIKeyByHash resolves a key hash to its record.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	row := r.DB.QueryRowContext(ctx, `SELECT id,actor_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash)
	err := row.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, err
}

// DeleteAPIKey revokes a key by id.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAPIKeys returns all keys (hashes only, never raw secrets).
func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,actor_id,name,key_hash,created_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var name sql.NullString
		if err := rows.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			k.Name = name.String
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
