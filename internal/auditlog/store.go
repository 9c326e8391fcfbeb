// Package auditlog records the violations the plugin manager returns to
// callers, so operators can see which plugin blocked what, for whom and why.
// Entries are stored in SQLite or Postgres and served by the admin API.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one recorded violation.
type Entry struct {
	ID          int64                  `json:"id"`
	RequestID   string                 `json:"request_id"`
	Hook        string                 `json:"hook"`
	PluginName  string                 `json:"plugin_name"`
	Code        string                 `json:"code"`
	Reason      string                 `json:"reason"`
	Description string                 `json:"description,omitempty"`
	User        string                 `json:"user,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	EntityType  string                 `json:"entity_type,omitempty"`
	EntityName  string                 `json:"entity_name,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Query filters a List call. Zero fields do not filter.
type Query struct {
	Limit      int
	Offset     int
	Hook       string
	PluginName string
	Code       string
	User       string
	Since      *time.Time
}

// ListResult is one page of entries, newest first, plus the total number
// of entries matching the query.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// MaintenanceQuery selects entries to delete. Before is required.
type MaintenanceQuery struct {
	Before     *time.Time
	PluginName string
	Code       string
}

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader lists audit entries.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
}

// Maintainer deletes old audit entries.
type Maintainer interface {
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
}

// NoopWriter ignores all writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLStore persists entries to SQLite/Postgres. It implements Writer,
// Reader and Maintainer.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (creating if needed) a SQLite audit log.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "hookgw-audit.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit log: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a Postgres audit log.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit log: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open picks the backend from the DSN: postgres:// and postgresql:// URLs
// open Postgres, anything else is a SQLite path.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(dsn)
	}
	return NewSQLiteStore(dsn)
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s audit log: %w", s.dialect, err)
	}

	idCol, tsType := "INTEGER PRIMARY KEY", "DATETIME"
	if s.dialect == "postgres" {
		idCol, tsType = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	ddl := `
CREATE TABLE IF NOT EXISTS hook_violations (
	id ` + idCol + `,
	request_id TEXT,
	hook TEXT NOT NULL,
	plugin_name TEXT NOT NULL,
	code TEXT,
	reason TEXT,
	description TEXT,
	user_id TEXT,
	tenant_id TEXT,
	entity_type TEXT,
	entity_name TEXT,
	details TEXT,
	created_at ` + tsType + ` NOT NULL
);`

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize audit log schema: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS hook_violations_created_at ON hook_violations(created_at)`); err != nil {
		return fmt.Errorf("initialize audit log index: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	var details sql.NullString
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	query := s.bind(`INSERT INTO hook_violations(request_id, hook, plugin_name, code, reason, description, user_id, tenant_id, entity_type, entity_name, details, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		entry.RequestID,
		entry.Hook,
		entry.PluginName,
		entry.Code,
		entry.Reason,
		entry.Description,
		entry.User,
		entry.TenantID,
		entry.EntityType,
		entry.EntityName,
		details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// where builds the shared WHERE clause for the given filters.
func where(conds map[string]string, since, before *time.Time) (string, []interface{}) {
	var parts []string
	var args []interface{}
	for _, col := range []string{"hook", "plugin_name", "code", "user_id"} {
		if v := conds[col]; v != "" {
			parts = append(parts, col+" = ?")
			args = append(args, v)
		}
	}
	if since != nil {
		parts = append(parts, "created_at >= ?")
		args = append(args, since.UTC())
	}
	if before != nil {
		parts = append(parts, "created_at < ?")
		args = append(args, before.UTC())
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (s *SQLStore) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	clause, args := where(map[string]string{
		"hook":        q.Hook,
		"plugin_name": q.PluginName,
		"code":        q.Code,
		"user_id":     q.User,
	}, q.Since, nil)

	var total int
	if err := s.db.QueryRowContext(ctx, s.bind("SELECT COUNT(*) FROM hook_violations"+clause), args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count audit entries: %w", err)
	}

	query := s.bind(`SELECT id, request_id, hook, plugin_name, code, reason, description, user_id, tenant_id, entity_type, entity_name, details, created_at
	FROM hook_violations` + clause + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := ListResult{Data: []Entry{}, Total: total}
	for rows.Next() {
		var (
			e          Entry
			requestID  sql.NullString
			code       sql.NullString
			reason     sql.NullString
			desc       sql.NullString
			user       sql.NullString
			tenant     sql.NullString
			entityType sql.NullString
			entityName sql.NullString
			details    sql.NullString
		)
		if err := rows.Scan(&e.ID, &requestID, &e.Hook, &e.PluginName, &code, &reason, &desc, &user, &tenant, &entityType, &entityName, &details, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan audit entry: %w", err)
		}
		e.RequestID, e.Code, e.Reason, e.Description = requestID.String, code.String, reason.String, desc.String
		e.User, e.TenantID, e.EntityType, e.EntityName = user.String, tenant.String, entityType.String, entityName.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return ListResult{}, fmt.Errorf("decode audit details: %w", err)
			}
		}
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, fmt.Errorf("before is required")
	}
	clause, args := where(map[string]string{
		"plugin_name": q.PluginName,
		"code":        q.Code,
	}, nil, q.Before)
	res, err := s.db.ExecContext(ctx, s.bind("DELETE FROM hook_violations"+clause), args...)
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
