package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	hookgateway "github.com/ferro-labs/hook-gateway"
	"github.com/ferro-labs/hook-gateway/internal/logging"
)

// ErrVersionNotFound is returned for unknown config versions.
var ErrVersionNotFound = errors.New("config version not found")

// ConfigVersion is one saved config snapshot.
type ConfigVersion struct {
	Version        int                `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	Config         hookgateway.Config `json:"config"`
	RolledBackFrom *int               `json:"rolled_back_from,omitempty"`
}

// ConfigStore persists config versions for the management API. Load returns
// the active version; Delete clears it without dropping history.
type ConfigStore interface {
	Save(ctx context.Context, cfg hookgateway.Config, rolledBackFrom *int) (ConfigVersion, error)
	Load(ctx context.Context) (hookgateway.Config, bool, error)
	Delete(ctx context.Context) error
	Version(ctx context.Context, version int) (ConfigVersion, error)
	History(ctx context.Context, limit int) ([]ConfigVersion, error)
}

// Config store backends selected by CONFIG_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// OpenConfigStore opens the backend named by kind. An empty kind selects
// the in-memory store.
func OpenConfigStore(kind, dsn string) (ConfigStore, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", StoreMemory:
		return NewMemoryConfigStore(), nil
	case StoreSQLite:
		return NewSQLiteConfigStore(dsn)
	case StorePostgres:
		return NewPostgresConfigStore(dsn)
	default:
		return nil, fmt.Errorf("unknown config store %q", kind)
	}
}

// MemoryConfigStore keeps versions for the lifetime of the process.
type MemoryConfigStore struct {
	mu       sync.RWMutex
	versions []ConfigVersion
	active   int
}

// NewMemoryConfigStore creates an empty MemoryConfigStore.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{}
}

func (s *MemoryConfigStore) Save(_ context.Context, cfg hookgateway.Config, rolledBackFrom *int) (ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := ConfigVersion{
		Version:        len(s.versions) + 1,
		CreatedAt:      time.Now().UTC(),
		Config:         cfg,
		RolledBackFrom: rolledBackFrom,
	}
	s.versions = append(s.versions, v)
	s.active = v.Version
	return v, nil
}

func (s *MemoryConfigStore) Load(_ context.Context) (hookgateway.Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == 0 {
		return hookgateway.Config{}, false, nil
	}
	return s.versions[s.active-1].Config, true, nil
}

func (s *MemoryConfigStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = 0
	return nil
}

func (s *MemoryConfigStore) Version(_ context.Context, version int) (ConfigVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version < 1 || version > len(s.versions) {
		return ConfigVersion{}, ErrVersionNotFound
	}
	return s.versions[version-1], nil
}

// History returns up to limit versions, newest first. limit <= 0 returns
// all of them.
func (s *MemoryConfigStore) History(_ context.Context, limit int) ([]ConfigVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConfigVersion, 0, len(s.versions))
	for i := len(s.versions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.versions[i])
	}
	return out, nil
}

type sqlConfigDialect string

const (
	configDialectSQLite   sqlConfigDialect = "sqlite"
	configDialectPostgres sqlConfigDialect = "postgres"
)

// SQLConfigStore persists config versions in SQLite/Postgres.
type SQLConfigStore struct {
	db      *sql.DB
	dialect sqlConfigDialect
}

// NewSQLiteConfigStore opens a SQLite-backed store. dsn can be a file path
// or SQLite DSN.
func NewSQLiteConfigStore(dsn string) (*SQLConfigStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "hookgw-config.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite config store: %w", err)
	}
	s := &SQLConfigStore{db: db, dialect: configDialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresConfigStore opens a Postgres-backed store.
func NewPostgresConfigStore(dsn string) (*SQLConfigStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres config store: %w", err)
	}
	s := &SQLConfigStore{db: db, dialect: configDialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLConfigStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s config store: %w", s.dialect, err)
	}

	ddl := []string{`
CREATE TABLE IF NOT EXISTS gateway_config_versions (
	version INTEGER PRIMARY KEY AUTOINCREMENT,
	config_json TEXT NOT NULL,
	rolled_back_from INTEGER NULL,
	created_at DATETIME NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS gateway_config (
	id INTEGER PRIMARY KEY,
	version INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
)`}
	if s.dialect == configDialectPostgres {
		ddl = []string{`
CREATE TABLE IF NOT EXISTS gateway_config_versions (
	version BIGSERIAL PRIMARY KEY,
	config_json TEXT NOT NULL,
	rolled_back_from BIGINT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS gateway_config (
	id SMALLINT PRIMARY KEY,
	version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`}
	}

	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize config schema: %w", err)
		}
	}
	return nil
}

// bind rewrites ? placeholders to $N for Postgres.
func (s *SQLConfigStore) bind(query string) string {
	if s.dialect != configDialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLConfigStore) Save(ctx context.Context, cfg hookgateway.Config, rolledBackFrom *int) (ConfigVersion, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ConfigVersion{}, fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConfigVersion{}, fmt.Errorf("save config: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from sql.NullInt64
	if rolledBackFrom != nil {
		from = sql.NullInt64{Int64: int64(*rolledBackFrom), Valid: true}
	}
	var version int
	insert := s.bind(`INSERT INTO gateway_config_versions(config_json, rolled_back_from, created_at) VALUES(?, ?, ?) RETURNING version`)
	if err := tx.QueryRowContext(ctx, insert, string(data), from, now).Scan(&version); err != nil {
		return ConfigVersion{}, fmt.Errorf("save config: %w", err)
	}

	upsert := s.bind(`
INSERT INTO gateway_config(id, version, updated_at)
VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`)
	if _, err := tx.ExecContext(ctx, upsert, version, now); err != nil {
		return ConfigVersion{}, fmt.Errorf("save config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ConfigVersion{}, fmt.Errorf("save config: %w", err)
	}
	return ConfigVersion{Version: version, CreatedAt: now, Config: cfg, RolledBackFrom: rolledBackFrom}, nil
}

func (s *SQLConfigStore) Load(ctx context.Context) (hookgateway.Config, bool, error) {
	query := `
SELECT v.config_json FROM gateway_config c
JOIN gateway_config_versions v ON v.version = c.version
WHERE c.id = 1`
	var raw string
	if err := s.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return hookgateway.Config{}, false, nil
		}
		return hookgateway.Config{}, false, fmt.Errorf("load config: %w", err)
	}

	var cfg hookgateway.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return hookgateway.Config{}, false, fmt.Errorf("decode config: %w", err)
	}
	return cfg, true, nil
}

func (s *SQLConfigStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gateway_config WHERE id = 1`); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

func (s *SQLConfigStore) Version(ctx context.Context, version int) (ConfigVersion, error) {
	query := s.bind(`SELECT version, config_json, rolled_back_from, created_at FROM gateway_config_versions WHERE version = ?`)
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, version))
	if errors.Is(err, sql.ErrNoRows) {
		return ConfigVersion{}, ErrVersionNotFound
	}
	return v, err
}

func (s *SQLConfigStore) History(ctx context.Context, limit int) ([]ConfigVersion, error) {
	query := `SELECT version, config_json, rolled_back_from, created_at FROM gateway_config_versions ORDER BY version DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list config history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ConfigVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list config history: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (ConfigVersion, error) {
	var (
		v    ConfigVersion
		raw  string
		from sql.NullInt64
	)
	if err := row.Scan(&v.Version, &raw, &from, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConfigVersion{}, err
		}
		return ConfigVersion{}, fmt.Errorf("scan config version: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &v.Config); err != nil {
		return ConfigVersion{}, fmt.Errorf("decode config version %d: %w", v.Version, err)
	}
	if from.Valid {
		f := int(from.Int64)
		v.RolledBackFrom = &f
	}
	return v, nil
}

func (s *SQLConfigStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GatewayConfigManager connects runtime config operations of a gateway to
// a ConfigStore.
type GatewayConfigManager struct {
	mu      sync.Mutex
	gw      *hookgateway.Gateway
	initial hookgateway.Config
	store   ConfigStore
}

// NewGatewayConfigManager wraps gw. When store holds an active config it is
// applied to gw, replacing the one gw was created with.
func NewGatewayConfigManager(ctx context.Context, gw *hookgateway.Gateway, store ConfigStore) (*GatewayConfigManager, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if store == nil {
		store = NewMemoryConfigStore()
	}

	m := &GatewayConfigManager{
		gw:      gw,
		initial: gw.GetConfig(),
		store:   store,
	}

	persisted, ok, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := gw.ReloadConfig(ctx, persisted); err != nil {
			return nil, fmt.Errorf("reload persisted config: %w", err)
		}
		logging.FromContext(ctx).Info("persisted config applied", "plugins", len(persisted.Plugins))
	}
	return m, nil
}

// GetConfig returns the running config.
func (m *GatewayConfigManager) GetConfig() hookgateway.Config {
	return m.gw.GetConfig()
}

// Apply reloads the gateway with cfg and records it as a new version.
func (m *GatewayConfigManager) Apply(ctx context.Context, cfg hookgateway.Config) (ConfigVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(ctx, cfg, nil)
}

func (m *GatewayConfigManager) apply(ctx context.Context, cfg hookgateway.Config, rolledBackFrom *int) (ConfigVersion, error) {
	if err := m.gw.ReloadConfig(ctx, cfg); err != nil {
		return ConfigVersion{}, err
	}
	return m.store.Save(ctx, cfg, rolledBackFrom)
}

// Rollback re-applies a saved version and records it as the newest one.
func (m *GatewayConfigManager) Rollback(ctx context.Context, version int) (ConfigVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.store.Version(ctx, version)
	if err != nil {
		return ConfigVersion{}, err
	}
	latest := 0
	if h, err := m.store.History(ctx, 1); err == nil && len(h) > 0 {
		latest = h[0].Version
	}
	return m.apply(ctx, target.Config, &latest)
}

// Reset restores the config the gateway started with and clears the active
// stored version.
func (m *GatewayConfigManager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gw.ReloadConfig(ctx, m.initial); err != nil {
		return err
	}
	return m.store.Delete(ctx)
}

// History lists saved versions, newest first.
func (m *GatewayConfigManager) History(ctx context.Context, limit int) ([]ConfigVersion, error) {
	return m.store.History(ctx, limit)
}
