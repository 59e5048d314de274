package postgres

import (
	"context"
	"fmt"

	"github.com/runforge/runforge/internal/domain/secret"
)

func (s *Store) ListProviderSecrets(ctx context.Context, repositoryID string) ([]secret.ProviderSecret, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT repository_id, provider, encrypted_value
		 FROM provider_secrets WHERE repository_id = $1 ORDER BY provider`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list provider secrets %s: %w", repositoryID, err)
	}
	defer rows.Close()

	var secrets []secret.ProviderSecret
	for rows.Next() {
		var ps secret.ProviderSecret
		if err := rows.Scan(&ps.RepositoryID, &ps.Provider, &ps.EncryptedValue); err != nil {
			return nil, fmt.Errorf("scan provider secret: %w", err)
		}
		secrets = append(secrets, ps)
	}
	return secrets, rows.Err()
}

// GetProviderSecret resolves a secret by scope. Repository-scoped secrets use
// the repository id as scope; platform fallbacks live under the global scope.
func (s *Store) GetProviderSecret(ctx context.Context, scope, provider string) (*secret.ProviderSecret, error) {
	var ps secret.ProviderSecret
	err := s.pool.QueryRow(ctx,
		`SELECT repository_id, provider, encrypted_value
		 FROM provider_secrets WHERE repository_id = $1 AND provider = $2`, scope, provider,
	).Scan(&ps.RepositoryID, &ps.Provider, &ps.EncryptedValue)
	if err != nil {
		return nil, notFoundWrap(err, "get provider secret %s/%s", scope, provider)
	}
	return &ps, nil
}
