// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores an evaluated transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, account_id, amount, currency, merchant_id,
			merchant_category, country, city, latitude, longitude,
			timestamp, channel
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		` + r.conflictNothing()

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.AccountID, tx.Amount, tx.Currency,
		tx.MerchantID, tx.MerchantCategory,
		tx.Country, tx.City, tx.Latitude, tx.Longitude,
		tx.Timestamp, string(tx.Channel),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, account_id, amount, currency, merchant_id,
			   merchant_category, country, city, latitude, longitude,
			   timestamp, channel
		FROM transactions
		WHERE id = ?
	`

	var tx domain.Transaction
	var city sql.NullString
	var lat, lon sql.NullFloat64
	var channel string

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.AccountID, &tx.Amount, &tx.Currency,
		&tx.MerchantID, &tx.MerchantCategory,
		&tx.Country, &city, &lat, &lon,
		&tx.Timestamp, &channel,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.City = city.String
	if lat.Valid && lon.Valid {
		tx.Latitude = &lat.Float64
		tx.Longitude = &lon.Float64
	}
	tx.Channel = domain.Channel(channel)

	return &tx, nil
}

// SaveAssessment stores an evaluation result.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: assessment id is required", ErrInvalidInput)
	}

	results, err := json.Marshal(a.Results)
	if err != nil {
		return err
	}
	material, err := json.Marshal(a.Material)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO assessments (
			id, tx_id, account_id, score, decision, results, material, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		` + r.conflictNothing()

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TxID, a.AccountID, a.Score, string(a.Decision),
		string(results), string(material), a.EvaluatedAt,
	)
	return err
}

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.RiskAssessment, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tx_id, account_id, score, decision, results, material, evaluated_at
		FROM assessments
		WHERE id = ?
	`

	var a domain.RiskAssessment
	var decision, results string
	var material sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&a.ID, &a.TxID, &a.AccountID, &a.Score, &decision,
		&results, &material, &a.EvaluatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Decision = domain.Decision(decision)
	if err := json.Unmarshal([]byte(results), &a.Results); err != nil {
		return nil, err
	}
	if material.Valid && material.String != "" && material.String != "null" {
		if err := json.Unmarshal([]byte(material.String), &a.Material); err != nil {
			return nil, err
		}
	}

	return &a, nil
}

// SaveAlert stores an alert. Duplicate deliveries from the emitter's
// at-least-once retry are ignored.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", ErrInvalidInput)
	}

	assessment, err := json.Marshal(alert.Assessment)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (id, tx_id, account_id, assessment, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		` + r.conflictNothing()

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.TxID, alert.AccountID,
		string(assessment), alert.CreatedAt, string(alert.Status),
	)
	return err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("%w: alertID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tx_id, account_id, assessment, created_at, status
		FROM alerts
		WHERE id = ?
	`

	return r.scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
}

// ListAlerts retrieves recent alerts, optionally filtered by status.
func (r *SQLRepository) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tx_id, account_id, assessment, created_at, status
		FROM alerts
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// UpdateAlertStatus moves an alert through the investigation workflow.
// Only the status column is ever mutated.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus) error {
	if alertID == "" {
		return fmt.Errorf("%w: alertID is required", ErrInvalidInput)
	}
	if !domain.ValidAlertStatus(status) {
		return fmt.Errorf("%w: unknown alert status %q", ErrInvalidInput, status)
	}

	query := `UPDATE alerts SET status = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.rebind(query), string(status), alertID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanAlert(row rowScanner) (*domain.Alert, error) {
	var alert domain.Alert
	var assessment, status string

	err := row.Scan(
		&alert.ID, &alert.TxID, &alert.AccountID,
		&assessment, &alert.CreatedAt, &status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(assessment), &alert.Assessment); err != nil {
		return nil, err
	}
	alert.Status = domain.AlertStatus(status)
	return &alert, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// conflictNothing returns the dialect's ignore-duplicate-key clause.
func (r *SQLRepository) conflictNothing() string {
	return "ON CONFLICT (id) DO NOTHING"
}

func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
