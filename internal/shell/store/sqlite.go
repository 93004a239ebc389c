package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the database at dsn and runs migrations. Hooks and
// interactive commands may open the same file concurrently, so writers wait
// on the busy timeout instead of failing.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Each connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SetSetting(ctx context.Context, app, key, value string) error {
	return setSetting(ctx, s.db, app, key, value)
}

func (s *SQLiteStore) GetSetting(ctx context.Context, app, key string) (string, error) {
	return getSetting(ctx, s.db, app, key)
}

func (s *SQLiteStore) UnsetSetting(ctx context.Context, app, key string) error {
	return unsetSetting(ctx, s.db, app, key)
}

func (s *SQLiteStore) ListSettings(ctx context.Context, app string) (map[string]string, error) {
	return listSettings(ctx, s.db, app)
}

func (s *SQLiteStore) DeleteSettings(ctx context.Context, app string) error {
	return deleteSettings(ctx, s.db, app)
}

func (s *SQLiteStore) RecordDeployment(ctx context.Context, deployment *Deployment) error {
	return recordDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, app string, opts ListOptions) ([]Deployment, error) {
	return listDeployments(ctx, s.db, app, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) SetSetting(ctx context.Context, app, key, value string) error {
	return setSetting(ctx, s.tx, app, key, value)
}

func (s *txSQLiteStore) GetSetting(ctx context.Context, app, key string) (string, error) {
	return getSetting(ctx, s.tx, app, key)
}

func (s *txSQLiteStore) UnsetSetting(ctx context.Context, app, key string) error {
	return unsetSetting(ctx, s.tx, app, key)
}

func (s *txSQLiteStore) ListSettings(ctx context.Context, app string) (map[string]string, error) {
	return listSettings(ctx, s.tx, app)
}

func (s *txSQLiteStore) DeleteSettings(ctx context.Context, app string) error {
	return deleteSettings(ctx, s.tx, app)
}

func (s *txSQLiteStore) RecordDeployment(ctx context.Context, deployment *Deployment) error {
	return recordDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, app string, opts ListOptions) ([]Deployment, error) {
	return listDeployments(ctx, s.tx, app, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Setting Operations
// =============================================================================

// settingRow represents a setting row in the database.
type settingRow struct {
	App       string `db:"app"`
	Key       string `db:"name"`
	Value     string `db:"value"`
	UpdatedAt string `db:"updated_at"`
}

func setSetting(ctx context.Context, exec executor, app, key, value string) error {
	if key == "" || strings.ContainsAny(key, "= \t\n") {
		return NewStoreError("SetSetting", "setting", key, "key must be non-empty and contain no '=' or whitespace", ErrInvalidData)
	}

	query := `
		INSERT INTO settings (app, name, value, updated_at)
		VALUES (:app, :name, :value, :updated_at)
		ON CONFLICT (app, name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	row := settingRow{
		App:       app,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SetSetting", "setting", key, err.Error(), err)
	}
	return nil
}

func getSetting(ctx context.Context, exec executor, app, key string) (string, error) {
	query := `SELECT value FROM settings WHERE app = ? AND name = ?`

	var value string
	err := exec.GetContext(ctx, &value, query, app, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NewStoreError("GetSetting", "setting", key, "setting not found", ErrNotFound)
		}
		return "", NewStoreError("GetSetting", "setting", key, err.Error(), err)
	}
	return value, nil
}

func unsetSetting(ctx context.Context, exec executor, app, key string) error {
	query := `DELETE FROM settings WHERE app = ? AND name = ?`

	result, err := exec.ExecContext(ctx, query, app, key)
	if err != nil {
		return NewStoreError("UnsetSetting", "setting", key, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UnsetSetting", "setting", key, "setting not found", ErrNotFound)
	}
	return nil
}

func listSettings(ctx context.Context, exec executor, app string) (map[string]string, error) {
	query := `SELECT * FROM settings WHERE app = ? ORDER BY name`

	var rows []settingRow
	if err := exec.SelectContext(ctx, &rows, query, app); err != nil {
		return nil, NewStoreError("ListSettings", "setting", "", err.Error(), err)
	}

	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[row.Key] = row.Value
	}
	return settings, nil
}

func deleteSettings(ctx context.Context, exec executor, app string) error {
	query := `DELETE FROM settings WHERE app = ?`

	if _, err := exec.ExecContext(ctx, query, app); err != nil {
		return NewStoreError("DeleteSettings", "setting", app, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	Seq          int64  `db:"seq"`
	ID           string `db:"id"`
	App          string `db:"app"`
	Revision     string `db:"revision"`
	Ref          string `db:"ref"`
	Image        string `db:"image"`
	ContainerID  string `db:"container_id"`
	Status       string `db:"status"`
	ErrorMessage string `db:"error_message"`
	CreatedAt    string `db:"created_at"`
}

// recordDeployment inserts a deployment, assigning an ID and timestamp when
// they are unset.
func recordDeployment(ctx context.Context, exec executor, deployment *Deployment) error {
	if deployment.ID == "" {
		deployment.ID = uuid.New().String()
	}
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = time.Now().UTC()
	}

	switch deployment.Status {
	case StatusSucceeded, StatusFailed:
	default:
		return NewStoreError("RecordDeployment", "deployment", deployment.ID, fmt.Sprintf("invalid status %q", deployment.Status), ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			id, app, revision, ref, image, container_id,
			status, error_message, created_at
		) VALUES (
			:id, :app, :revision, :ref, :image, :container_id,
			:status, :error_message, :created_at
		)`

	row := map[string]any{
		"id":            deployment.ID,
		"app":           deployment.App,
		"revision":      deployment.Revision,
		"ref":           deployment.Ref,
		"image":         deployment.Image,
		"container_id":  deployment.ContainerID,
		"status":        string(deployment.Status),
		"error_message": deployment.Error,
		"created_at":    deployment.CreatedAt.Format(time.RFC3339),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("RecordDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("RecordDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

// listDeployments returns an app's deployments, newest first.
func listDeployments(ctx context.Context, exec executor, app string, opts ListOptions) ([]Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE app = ? ORDER BY seq DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, app, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]Deployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}

	return deployments, nil
}

func rowToDeployment(row *deploymentRow) (*Deployment, error) {
	createdAt, err := time.Parse(time.RFC3339, row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse created_at", ErrInvalidData)
	}

	return &Deployment{
		ID:          row.ID,
		App:         row.App,
		Revision:    row.Revision,
		Ref:         row.Ref,
		Image:       row.Image,
		ContainerID: row.ContainerID,
		Status:      DeploymentStatus(row.Status),
		Error:       row.ErrorMessage,
		CreatedAt:   createdAt,
	}, nil
}
