package providererr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"omnigate/internal/domain"
)

var (
	// ErrCredentialNotFound is returned for an unknown credential id.
	ErrCredentialNotFound = errors.New("providererr: credential not found")

	// ErrProviderNotFound is returned for an unknown provider id.
	ErrProviderNotFound = errors.New("providererr: provider not found")
)

// CredentialStore is the durable home of credential and provider enablement.
type CredentialStore interface {
	Credential(ctx context.Context, id string) (*domain.ProviderCredential, error)
	SetCredentialEnabled(ctx context.Context, id string, enabled bool) error
	SetProviderEnabled(ctx context.Context, providerID string, enabled bool) error
	ProviderEnabled(ctx context.Context, providerID string) (bool, error)
	EnabledCredentialCount(ctx context.Context, providerID string) (int, error)
	DisabledCredentialCount(ctx context.Context) (int, error)
}

const credentialColumns = "id, provider_id, name, is_primary, is_enabled, created_at, updated_at"

const (
	queryGetCredential = "SELECT " + credentialColumns + " FROM provider_credentials WHERE id = $1"

	querySetCredentialEnabled = "UPDATE provider_credentials SET is_enabled = $2, updated_at = NOW() WHERE id = $1"

	querySetProviderEnabled = "UPDATE providers SET is_enabled = $2, updated_at = NOW() WHERE id = $1"

	queryProviderEnabled = "SELECT is_enabled FROM providers WHERE id = $1"

	queryEnabledCredentialCount = "SELECT COUNT(*) FROM provider_credentials WHERE provider_id = $1 AND is_enabled = TRUE"

	queryDisabledCredentialCount = "SELECT COUNT(*) FROM provider_credentials WHERE is_enabled = FALSE"
)

// PostgresCredentialStore implements CredentialStore on the shared database.
type PostgresCredentialStore struct {
	db *sql.DB
}

func NewPostgresCredentialStore(db *sql.DB) *PostgresCredentialStore {
	return &PostgresCredentialStore{db: db}
}

func (s *PostgresCredentialStore) Credential(ctx context.Context, id string) (*domain.ProviderCredential, error) {
	row := s.db.QueryRowContext(ctx, queryGetCredential, id)

	var cred domain.ProviderCredential
	var name sql.NullString
	err := row.Scan(&cred.ID, &cred.ProviderID, &name, &cred.IsPrimary, &cred.IsEnabled, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	if name.Valid {
		cred.Name = name.String
	}
	return &cred, nil
}

func (s *PostgresCredentialStore) SetCredentialEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, querySetCredentialEnabled, id, enabled)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	return nil
}

func (s *PostgresCredentialStore) SetProviderEnabled(ctx context.Context, providerID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, querySetProviderEnabled, providerID, enabled)
	if err != nil {
		return fmt.Errorf("updating provider: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	return nil
}

func (s *PostgresCredentialStore) ProviderEnabled(ctx context.Context, providerID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, queryProviderEnabled, providerID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	if err != nil {
		return false, fmt.Errorf("querying provider: %w", err)
	}
	return enabled, nil
}

func (s *PostgresCredentialStore) EnabledCredentialCount(ctx context.Context, providerID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryEnabledCredentialCount, providerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting enabled credentials: %w", err)
	}
	return count, nil
}

func (s *PostgresCredentialStore) DisabledCredentialCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryDisabledCredentialCount).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting disabled credentials: %w", err)
	}
	return count, nil
}
