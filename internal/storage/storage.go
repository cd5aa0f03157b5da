// Package storage persists trap notifications under a uniqueness constraint
// so that peers sharing one database store each trap exactly once.
package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/retry"
	"github.com/geekxflood/trapkeeper/internal/types"
	"github.com/go-sql-driver/mysql"
)

// StorageConfig holds configuration for the notification store
type StorageConfig struct {
	DatabaseType     string        `json:"database_type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	PurgeInterval    time.Duration `json:"purge_interval"`
}

// DefaultStorageConfig returns a default storage configuration
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		DatabaseType:     DriverSQLite,
		ConnectionString: "./trapkeeper.db",
		MaxConnections:   10,
		WriteTimeout:     5 * time.Second,
		PurgeInterval:    0,
	}
}

// WriteResult describes one Insert call.
type WriteResult struct {
	Outcome  types.WriteOutcome
	ID       int64
	Attempts int
	Err      error
}

// Duplicate reports whether the write hit the deduplication index.
func (w *WriteResult) Duplicate() bool {
	return w.Outcome == types.WriteDuplicate
}

// Store is the deduplicating notification store. The unique index on
// (host, oid, sent, digest) is the only mutual exclusion between writers.
type Store struct {
	config  *StorageConfig
	db      *sql.DB
	dialect *dialect
	retryer *retry.Retryer
	metrics metrics.Sink
	logger  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewStore opens the database named by storage.*, creates the schema and
// wraps writes in the retry.* policy.
func NewStore(cfg config.Provider, sink metrics.Sink, logger logging.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	storageConfig := DefaultStorageConfig()

	if dbType, err := cfg.GetString("storage.database_type", storageConfig.DatabaseType); err == nil {
		storageConfig.DatabaseType = dbType
	}

	if connStr, err := cfg.GetString("storage.connection_string", storageConfig.ConnectionString); err == nil {
		storageConfig.ConnectionString = connStr
	}

	if maxConn, err := cfg.GetInt("storage.max_connections", storageConfig.MaxConnections); err == nil {
		storageConfig.MaxConnections = maxConn
	}

	if writeTimeout, err := cfg.GetDuration("storage.write_timeout", storageConfig.WriteTimeout); err == nil {
		storageConfig.WriteTimeout = writeTimeout
	}

	if purgeInterval, err := cfg.GetDuration("storage.purge_interval", storageConfig.PurgeInterval); err == nil {
		storageConfig.PurgeInterval = purgeInterval
	}

	retryer, err := retry.NewRetryer(cfg, sink, logger, retry.WithPermanent(IsDuplicate))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry policy: %w", err)
	}

	return Open(storageConfig, retryer, sink, logger)
}

// Open connects to the configured database and initializes the schema.
func Open(storageConfig *StorageConfig, retryer *retry.Retryer, sink metrics.Sink, logger logging.Logger) (*Store, error) {
	if storageConfig == nil {
		storageConfig = DefaultStorageConfig()
	}

	d, err := dialectFor(storageConfig.DatabaseType)
	if err != nil {
		return nil, err
	}

	connStr := storageConfig.ConnectionString
	switch d {
	case sqliteDialect:
		connStr = sqliteDSN(connStr)
	case mysqlDialect:
		if connStr, err = mysqlDSN(connStr); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d == sqliteDialect {
		// One writer at a time; an in-memory database is per connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(storageConfig.MaxConnections)
		db.SetMaxIdleConns(max(storageConfig.MaxConnections/2, 1))
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := New(db, d.name, storageConfig, retryer, sink, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	store.startPurgeWorker()
	return store, nil
}

// New wraps an open database handle. databaseType selects the SQL dialect.
func New(db *sql.DB, databaseType string, storageConfig *StorageConfig, retryer *retry.Retryer, sink metrics.Sink, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if storageConfig == nil {
		storageConfig = DefaultStorageConfig()
	}
	if sink == nil {
		sink = metrics.Discard
	}

	d, err := dialectFor(databaseType)
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "storage")
	if retryer == nil {
		retryer, err = retry.New(&retry.RetryConfig{Mode: retry.ModeNone}, sink, logger, retry.WithPermanent(IsDuplicate))
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		config:  storageConfig,
		db:      db,
		dialect: d,
		retryer: retryer,
		metrics: sink,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_foreign_keys=on"
	}
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
}

// mysqlDSN makes DATETIME columns scan into time.Time, in UTC like every
// value the store writes.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql connection string: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert writes n and its varbinds in one transaction. A uniqueness violation
// yields WriteDuplicate with a nil error; any other failure yields
// WriteFailed and the error. On success n.ID is set.
func (s *Store) Insert(ctx context.Context, n *types.Notification) (*WriteResult, error) {
	s.metrics.Incr(metrics.DBWriteAttempted, 1)

	digest := n.Digest()
	var id int64
	outcome := s.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		defer cancel()

		var err error
		id, err = s.insertOnce(writeCtx, n, digest)
		return err
	})

	result := &WriteResult{Attempts: outcome.Attempts}
	switch {
	case outcome.Err == nil:
		n.ID = id
		result.Outcome = types.WriteStored
		result.ID = id
		s.metrics.Incr(metrics.DBWriteSuccessful, 1)
		s.logger.DebugContext(ctx, "Stored notification", "id", id, "oid", n.OID, "host", n.Host)
		return result, nil

	case IsDuplicate(outcome.Err):
		result.Outcome = types.WriteDuplicate
		s.metrics.Incr(metrics.DBWriteDuplicate, 1)
		s.logger.InfoContext(ctx, "Duplicate trap, likely inserted by another manager", "oid", n.OID, "host", n.Host)
		s.logger.DebugContext(ctx, "Duplicate detail", "error", outcome.Err.Error())
		return result, nil

	default:
		result.Outcome = types.WriteFailed
		result.Err = fmt.Errorf("failed to store notification: %w", outcome.Err)
		s.metrics.Incr(metrics.DBWriteFailed, 1)
		s.logger.WarnContext(ctx, "Failed to commit notification", "oid", n.OID, "host", n.Host, "attempts", outcome.Attempts, "error", outcome.Err.Error())
		return result, result.Err
	}
}

func (s *Store) insertOnce(ctx context.Context, n *types.Notification, digest string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var expires any
	if n.Expires != nil {
		expires = n.Expires.UTC()
	}

	id, err := s.dialect.insertNotification(ctx, tx,
		n.Host, n.Version.String(), n.TrapType, n.OID, n.Sent.UTC(), digest,
		n.Severity, n.Manager, expires)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}

	if len(n.Varbinds) > 0 {
		query := fmt.Sprintf("INSERT INTO varbinds (notification_id, position, oid, value_type, value) VALUES (%s)",
			s.dialect.placeholders(1, 5))
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return 0, fmt.Errorf("prepare varbind insert: %w", err)
		}
		defer stmt.Close()

		for i, vb := range n.Varbinds {
			if _, err := stmt.ExecContext(ctx, id, i, vb.OID, string(vb.Kind), encodeValue(vb)); err != nil {
				return 0, fmt.Errorf("insert varbind %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return id, nil
}

// GetNotification reads a stored notification with its varbinds.
func (s *Store) GetNotification(ctx context.Context, id int64) (*types.Notification, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT id, host, version, trap_type, oid, sent, severity, manager, expires FROM notifications WHERE id = ?"), id)

	var (
		n       types.Notification
		version string
		expires sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.Host, &version, &n.TrapType, &n.OID, &n.Sent, &n.Severity, &n.Manager, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read notification %d: %w", id, err)
	}

	v, err := types.ParseVersion(version)
	if err != nil {
		return nil, err
	}
	n.Version = v
	n.Sent = n.Sent.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		n.Expires = &t
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT oid, value_type, value FROM varbinds WHERE notification_id = ? ORDER BY position"), id)
	if err != nil {
		return nil, fmt.Errorf("failed to read varbinds of %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			oid, kind string
			value     sql.NullString
		)
		if err := rows.Scan(&oid, &kind, &value); err != nil {
			return nil, fmt.Errorf("failed to scan varbind: %w", err)
		}
		vb, err := decodeValue(oid, types.ValueKind(kind), value)
		if err != nil {
			return nil, err
		}
		n.Varbinds = append(n.Varbinds, vb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate varbinds: %w", err)
	}

	return &n, nil
}

// CountNotifications returns the number of stored notifications.
func (s *Store) CountNotifications(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes notifications whose expiry is before cutoff.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM varbinds WHERE notification_id IN (SELECT id FROM notifications WHERE expires IS NOT NULL AND expires < ?)"), cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("failed to purge varbinds: %w", err)
	}

	result, err := tx.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM notifications WHERE expires IS NOT NULL AND expires < ?"), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) startPurgeWorker() {
	if s.config.PurgeInterval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.PurgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				purged, err := s.PurgeExpired(s.ctx, time.Now())
				if err != nil {
					s.logger.Warn("Failed to purge expired notifications", "error", err.Error())
					continue
				}
				if purged > 0 {
					s.logger.Info("Purged expired notifications", "count", purged)
				}
			}
		}
	}()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge worker and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// encodeValue renders a varbind value for the value column. Octets are hex
// so arbitrary bytes survive text columns.
func encodeValue(vb types.Varbind) any {
	switch v := vb.Value.(type) {
	case nil:
		return nil
	case []byte:
		return hex.EncodeToString(v)
	default:
		return vb.String()
	}
}

func decodeValue(oid string, kind types.ValueKind, value sql.NullString) (types.Varbind, error) {
	vb := types.Varbind{OID: oid, Kind: kind}
	if !value.Valid {
		return vb, nil
	}

	var err error
	switch kind {
	case types.KindNull:
	case types.KindInteger:
		vb.Value, err = strconv.ParseInt(value.String, 10, 64)
	case types.KindCounter, types.KindGauge, types.KindTimeTicks, types.KindCounter64:
		vb.Value, err = strconv.ParseUint(value.String, 10, 64)
	case types.KindOctet, types.KindOpaque:
		vb.Value, err = hex.DecodeString(value.String)
	case types.KindOID, types.KindIPAddress:
		vb.Value = value.String
	default:
		err = fmt.Errorf("unknown value type %q", kind)
	}
	if err != nil {
		return types.Varbind{}, fmt.Errorf("invalid stored value for %s: %w", oid, err)
	}
	return vb, nil
}
