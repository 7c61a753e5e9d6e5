package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/NikhilSetiya/autoheal/pkg/config"
	"github.com/NikhilSetiya/autoheal/pkg/errors"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
	"github.com/NikhilSetiya/autoheal/pkg/tracing"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// RecoveryRecord is one archived recovery result
type RecoveryRecord struct {
	ID           int64           `db:"id" json:"id"`
	ErrorID      string          `db:"error_id" json:"error_id"`
	Component    string          `db:"component" json:"component"`
	Operation    string          `db:"operation" json:"operation"`
	Action       string          `db:"action" json:"action"`
	Success      bool            `db:"success" json:"success"`
	Category     string          `db:"category" json:"category"`
	Severity     string          `db:"severity" json:"severity"`
	ErrorType    string          `db:"error_type" json:"error_type"`
	ErrorMessage string          `db:"error_message" json:"error_message"`
	Attempts     int             `db:"attempts" json:"attempts"`
	DurationMs   float64         `db:"duration_ms" json:"duration_ms"`
	Message      string          `db:"message" json:"message"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata"`
	ResolvedAt   time.Time       `db:"resolved_at" json:"resolved_at"`
}

// Query filters archived recoveries. Zero fields match everything.
type Query struct {
	Component string
	Action    string
	Success   *bool
	Since     time.Time
	Limit     int
}

// Archive stores every recovery result in Postgres for history beyond the
// engine's in-memory window.
type Archive struct {
	db      *sqlx.DB
	config  *config.DatabaseConfig
	tracing *tracing.TracingService
}

// NewArchive connects to Postgres with the configured pool settings
func NewArchive(cfg *config.DatabaseConfig, opts ...Option) (*Archive, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("database configuration is required")
	}

	db, err := sqlx.Connect("postgres", connString(cfg)+" connect_timeout=10")
	if err != nil {
		return nil, errors.NewInternalError("failed to connect to database").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to ping database").WithCause(err)
	}

	return NewArchiveWithDB(db, cfg, opts...), nil
}

// NewArchiveWithDB builds an archive on an existing connection
func NewArchiveWithDB(db *sqlx.DB, cfg *config.DatabaseConfig, opts ...Option) *Archive {
	o := buildOptions(opts)
	return &Archive{
		db:      db,
		config:  cfg,
		tracing: o.tracing,
	}
}

const insertRecovery = `
INSERT INTO recovery_events (
    error_id, component, operation, action, success, category, severity,
    error_type, error_message, attempts, duration_ms, message, metadata, resolved_at
) VALUES (
    :error_id, :component, :operation, :action, :success, :category, :severity,
    :error_type, :error_message, :attempts, :duration_ms, :message, :metadata, :resolved_at
)`

// OnRecovery archives a result. It satisfies healing.RecoveryListener.
func (a *Archive) OnRecovery(ctx context.Context, result healing.RecoveryResult) error {
	ctx, span := a.tracing.StartStoreSpan(ctx, "postgresql", "INSERT")
	defer span.End()

	record, err := toRecord(result)
	if err != nil {
		a.tracing.RecordError(span, err)
		return errors.NewInternalError("failed to encode recovery result").WithCause(err)
	}

	if _, err := a.db.NamedExecContext(ctx, insertRecovery, record.args()); err != nil {
		a.tracing.RecordError(span, err)
		return errors.NewDatabaseError("failed to archive recovery result").WithCause(err)
	}
	return nil
}

// Query returns archived recoveries newest first
func (a *Archive) Query(ctx context.Context, q Query) ([]RecoveryRecord, error) {
	ctx, span := a.tracing.StartStoreSpan(ctx, "postgresql", "SELECT")
	defer span.End()

	query, args := buildQuery(q)
	records := []RecoveryRecord{}
	if err := a.db.SelectContext(ctx, &records, query, args...); err != nil {
		a.tracing.RecordError(span, err)
		return nil, errors.NewDatabaseError("failed to query recovery archive").WithCause(err)
	}
	return records, nil
}

// Prune deletes records resolved before cutoff and returns how many went
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM recovery_events WHERE resolved_at < $1`, cutoff)
	if err != nil {
		return 0, errors.NewDatabaseError("failed to prune recovery archive").WithCause(err)
	}
	return res.RowsAffected()
}

// Health checks the database connection health
func (a *Archive) Health(ctx context.Context) error {
	if a.db == nil {
		return errors.NewInternalError("database connection is nil")
	}

	if err := a.db.PingContext(ctx); err != nil {
		return errors.NewInternalError("database health check failed").WithCause(err)
	}

	return nil
}

// Stats returns database connection statistics
func (a *Archive) Stats() sql.DBStats {
	return a.db.Stats()
}

// Close closes the database connection
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func toRecord(result healing.RecoveryResult) (RecoveryRecord, error) {
	record := RecoveryRecord{
		Action:     string(result.Action),
		Success:    result.Success,
		Attempts:   result.Attempts,
		DurationMs: result.DurationMs,
		Message:    result.Message,
		ResolvedAt: result.ResolvedAt,
		Metadata:   json.RawMessage("{}"),
	}
	if record.ResolvedAt.IsZero() {
		record.ResolvedAt = time.Now()
	}

	if ec := result.Error; ec != nil {
		record.ErrorID = ec.ErrorID
		record.Component = ec.Component
		record.Operation = ec.Operation
		record.Category = string(ec.Category)
		record.Severity = string(ec.Severity)
		record.ErrorType = ec.ErrorType
		record.ErrorMessage = ec.ErrorMessage
	}

	if len(result.Metadata) > 0 {
		payload, err := json.Marshal(sanitizeMetadata(result.Metadata))
		if err != nil {
			return RecoveryRecord{}, err
		}
		record.Metadata = payload
	}
	return record, nil
}

// args binds the record for insertRecovery; metadata goes over as text so
// the server parses it as JSONB.
func (r RecoveryRecord) args() map[string]any {
	return map[string]any{
		"error_id":      r.ErrorID,
		"component":     r.Component,
		"operation":     r.Operation,
		"action":        r.Action,
		"success":       r.Success,
		"category":      r.Category,
		"severity":      r.Severity,
		"error_type":    r.ErrorType,
		"error_message": r.ErrorMessage,
		"attempts":      r.Attempts,
		"duration_ms":   r.DurationMs,
		"message":       r.Message,
		"metadata":      string(r.Metadata),
		"resolved_at":   r.ResolvedAt,
	}
}

func buildQuery(q Query) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if q.Component != "" {
		add("component = $%d", q.Component)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.Success != nil {
		add("success = $%d", *q.Success)
	}
	if !q.Since.IsZero() {
		add("resolved_at >= $%d", q.Since)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM recovery_events")
	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY resolved_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}

func connString(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)
}
