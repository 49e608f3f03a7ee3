// Package sqlite implements the credential repository over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nholloway/keygate/internal/identity"
	"github.com/nholloway/keygate/internal/storage"
)

//go:embed schema.sql
var schema string

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.Repository over a single SQLite file, so identity
// and credential writes share the same transaction boundaries.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the store and applies the bundled schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ensureDB() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// CreateIdentity inserts the identity and its first credential atomically.
func (s *Store) CreateIdentity(ctx context.Context, id identity.Identity, credential identity.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(id.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(credential.ID) == "" {
		return fmt.Errorf("credential id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create identity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, username, email, user_handle, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id.ID, id.Username, id.Email, id.UserHandle, toMillis(id.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert identity: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (credential_id, identity_id, public_key, sign_count, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		credential.ID, id.ID, credential.PublicKey, int64(credential.SignCount), toMillis(credential.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("commit create identity: %w", err)
	}
	return nil
}

const identityColumns = `id, username, email, user_handle, created_at`

func scanIdentity(row *sql.Row) (identity.Identity, error) {
	var id identity.Identity
	var createdAt int64
	if err := row.Scan(&id.ID, &id.Username, &id.Email, &id.UserHandle, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("scan identity: %w", err)
	}
	id.CreatedAt = fromMillis(createdAt)
	return id, nil
}

// GetIdentity fetches an identity by its identifier.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if err := s.ensureDB(); err != nil {
		return identity.Identity{}, err
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Identity{}, fmt.Errorf("identity id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, identityID)
	return scanIdentity(row)
}

// FindByUsername fetches an identity by unique username.
func (s *Store) FindByUsername(ctx context.Context, username string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if err := s.ensureDB(); err != nil {
		return identity.Identity{}, err
	}
	if strings.TrimSpace(username) == "" {
		return identity.Identity{}, fmt.Errorf("username is required")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE username = ?`, username)
	return scanIdentity(row)
}

// FindByEmail fetches an identity by unique email.
func (s *Store) FindByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if err := s.ensureDB(); err != nil {
		return identity.Identity{}, err
	}
	if strings.TrimSpace(email) == "" {
		return identity.Identity{}, fmt.Errorf("email is required")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = ?`, email)
	return scanIdentity(row)
}

const credentialColumns = `credential_id, identity_id, public_key, sign_count, created_at, last_used_at`

func scanCredential(scanner interface{ Scan(...any) error }) (identity.Credential, error) {
	var credential identity.Credential
	var signCount int64
	var createdAt int64
	var lastUsed sql.NullInt64
	err := scanner.Scan(&credential.ID, &credential.IdentityID, &credential.PublicKey, &signCount, &createdAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Credential{}, storage.ErrNotFound
		}
		return identity.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	credential.SignCount = uint32(signCount)
	credential.CreatedAt = fromMillis(createdAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}

// ListCredentials returns every credential owned by the identity.
func (s *Store) ListCredentials(ctx context.Context, identityID string) ([]identity.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE identity_id = ? ORDER BY created_at`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	credentials := make([]identity.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// FindCredential fetches one credential scoped to its owning identity.
func (s *Store) FindCredential(ctx context.Context, identityID, credentialID string) (identity.Credential, error) {
	if err := ctx.Err(); err != nil {
		return identity.Credential{}, err
	}
	if err := s.ensureDB(); err != nil {
		return identity.Credential{}, err
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Credential{}, fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(credentialID) == "" {
		return identity.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE identity_id = ? AND credential_id = ?`,
		identityID, credentialID)
	return scanCredential(row)
}

// UpdateSignCount performs the compare-and-swap counter advance.
func (s *Store) UpdateSignCount(ctx context.Context, credentialID string, newCount, expectedOld uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE credentials SET sign_count = ?, last_used_at = ? WHERE credential_id = ? AND sign_count = ?`,
		int64(newCount), toMillis(usedAt), credentialID, int64(expectedOld))
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a lost counter race from a missing credential.
	var exists int
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM credentials WHERE credential_id = ?`, credentialID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	return storage.ErrConflict
}
