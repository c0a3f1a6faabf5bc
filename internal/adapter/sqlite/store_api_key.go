package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/llmlb/llmlb/internal/domain/user"
)

func (s *Store) CreateAPIKey(ctx context.Context, key *user.APIKey) error {
	scopesJSON, err := marshalJSON(key.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, created_by, name, prefix, key_hash, scopes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.CreatedBy, key.Name, key.Prefix, key.KeyHash, scopesJSON, nullTimePtr(key.ExpiresAt), key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func scanAPIKey(row scannable) (user.APIKey, error) {
	var key user.APIKey
	var scopesJSON string
	var expiresAt sql.NullTime
	err := row.Scan(&key.ID, &key.CreatedBy, &key.Name, &key.Prefix, &key.KeyHash, &scopesJSON, &expiresAt, &key.CreatedAt)
	if err != nil {
		return key, err
	}
	if err := unmarshalJSON(scopesJSON, &key.Scopes); err != nil {
		return key, fmt.Errorf("unmarshal scopes: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	return key, nil
}

const apiKeyColumns = `id, created_by, name, prefix, key_hash, scopes, expires_at, created_at`

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*user.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash)
	key, err := scanAPIKey(row)
	if err != nil {
		return nil, notFoundWrap(err, "get api key")
	}
	return &key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]user.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []user.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) ListAPIKeysByCreator(ctx context.Context, createdBy string) ([]user.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE created_by = ? ORDER BY created_at`, createdBy)
	if err != nil {
		return nil, fmt.Errorf("list api keys by creator: %w", err)
	}
	defer rows.Close()

	var keys []user.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return execExpectOne(res, err, "delete api key %s", id)
}
