package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/retry"
	"github.com/geekxflood/trapkeeper/internal/testutil"
	"github.com/geekxflood/trapkeeper/internal/types"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sent = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func newNotification() *types.Notification {
	expires := sent.Add(48 * time.Hour)
	return &types.Notification{
		Host:     "192.0.2.10",
		Version:  types.Version2c,
		TrapType: "trap2",
		OID:      "1.3.6.1.6.3.1.1.5.3",
		Sent:     sent,
		Severity: "critical",
		Manager:  "mgr-a",
		Expires:  &expires,
		Varbinds: []types.Varbind{
			{OID: "1.3.6.1.2.1.2.2.1.1.2", Value: int64(2), Kind: types.KindInteger},
			{OID: "1.3.6.1.2.1.1.6.0", Value: []byte("Lab-1"), Kind: types.KindOctet},
			{OID: "1.3.6.1.2.1.1.3.0", Value: uint64(123456), Kind: types.KindTimeTicks},
			{OID: "1.3.6.1.2.1.1.2.0", Value: "1.3.6.1.4.1.9", Kind: types.KindOID},
			{OID: "1.3.6.1.4.1.9.9.1", Value: []byte{0x00, 0xff}, Kind: types.KindOpaque},
			{OID: "1.3.6.1.4.1.9.9.2", Value: nil, Kind: types.KindNull},
		},
	}
}

func newSQLiteStore(t *testing.T) (*Store, *metrics.Counters) {
	t.Helper()
	counters := metrics.NewCounters()
	store, err := Open(&StorageConfig{
		DatabaseType:     DriverSQLite,
		ConnectionString: ":memory:",
		WriteTimeout:     time.Second,
	}, nil, counters, testutil.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, counters
}

func newMockStore(t *testing.T, databaseType string, retryer *retry.Retryer) (*Store, sqlmock.Sqlmock, *metrics.Counters) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	counters := metrics.NewCounters()
	store, err := New(db, databaseType, &StorageConfig{WriteTimeout: time.Second}, retryer, counters, testutil.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store, mock, counters
}

func TestNewStoreFromConfig(t *testing.T) {
	cfg := testutil.NewMockConfigProvider(map[string]any{
		"storage.database_type":     "sqlite3",
		"storage.connection_string": ":memory:",
		"storage.write_timeout":     "2s",
		"retry.mode":                "retry",
	})

	store, err := NewStore(cfg, nil, testutil.NewLogger())
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 2*time.Second, store.config.WriteTimeout)
	assert.Equal(t, retry.ModeRetry, store.retryer.Mode())
	assert.NoError(t, store.Ping(context.Background()))
}

func TestNewStoreRejectsUnknownDatabase(t *testing.T) {
	cfg := testutil.NewMockConfigProvider(map[string]any{
		"storage.database_type": "oracle",
	})
	_, err := NewStore(cfg, nil, testutil.NewLogger())
	assert.Error(t, err)

	_, err = NewStore(nil, nil, testutil.NewLogger())
	assert.Error(t, err)
}

func TestInsertStoresAndRoundTrips(t *testing.T) {
	store, counters := newSQLiteStore(t)
	ctx := context.Background()

	n := newNotification()
	result, err := store.Insert(ctx, n)
	require.NoError(t, err)

	assert.Equal(t, types.WriteStored, result.Outcome)
	assert.False(t, result.Duplicate())
	assert.Equal(t, 1, result.Attempts)
	assert.NotZero(t, result.ID)
	assert.Equal(t, result.ID, n.ID)

	got, err := store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Host, got.Host)
	assert.Equal(t, types.Version2c, got.Version)
	assert.Equal(t, "trap2", got.TrapType)
	assert.Equal(t, n.OID, got.OID)
	assert.True(t, sent.Equal(got.Sent))
	assert.Equal(t, "critical", got.Severity)
	assert.Equal(t, "mgr-a", got.Manager)
	require.NotNil(t, got.Expires)
	assert.True(t, sent.Add(48*time.Hour).Equal(*got.Expires))
	assert.Equal(t, n.Varbinds, got.Varbinds)
	assert.Equal(t, n.Digest(), got.Digest())

	assert.Equal(t, int64(1), counters.Value(metrics.DBWriteAttempted))
	assert.Equal(t, int64(1), counters.Value(metrics.DBWriteSuccessful))
}

func TestInsertDuplicate(t *testing.T) {
	store, counters := newSQLiteStore(t)
	ctx := context.Background()

	first, err := store.Insert(ctx, newNotification())
	require.NoError(t, err)
	require.Equal(t, types.WriteStored, first.Outcome)

	second, err := store.Insert(ctx, newNotification())
	require.NoError(t, err, "a duplicate is not an error")
	assert.Equal(t, types.WriteDuplicate, second.Outcome)
	assert.True(t, second.Duplicate())
	assert.Zero(t, second.ID)

	count, err := store.CountNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var varbinds int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM varbinds").Scan(&varbinds))
	assert.Equal(t, len(newNotification().Varbinds), varbinds, "duplicate varbinds are rolled back")

	assert.Equal(t, int64(2), counters.Value(metrics.DBWriteAttempted))
	assert.Equal(t, int64(1), counters.Value(metrics.DBWriteSuccessful))
	assert.Equal(t, int64(1), counters.Value(metrics.DBWriteDuplicate))
	assert.Equal(t, int64(0), counters.Value(metrics.DBWriteFailed))
}

func TestInsertDistinctContentIsNotDuplicate(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, newNotification())
	require.NoError(t, err)

	other := newNotification()
	other.Varbinds[1].Value = []byte("Lab-2")
	result, err := store.Insert(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, types.WriteStored, result.Outcome)

	later := newNotification()
	later.Sent = sent.Add(time.Second)
	result, err = store.Insert(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, types.WriteStored, result.Outcome)

	count, err := store.CountNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestInsertConcurrentDuplicates(t *testing.T) {
	store, counters := newSQLiteStore(t)

	const writers = 8
	outcomes := make(chan types.WriteOutcome, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.Insert(context.Background(), newNotification())
			assert.NoError(t, err)
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	stored := 0
	for outcome := range outcomes {
		if outcome == types.WriteStored {
			stored++
		} else {
			assert.Equal(t, types.WriteDuplicate, outcome)
		}
	}
	assert.Equal(t, 1, stored)
	assert.Equal(t, int64(writers-1), counters.Value(metrics.DBWriteDuplicate))
}

func TestGetNotificationNotFound(t *testing.T) {
	store, _ := newSQLiteStore(t)
	_, err := store.GetNotification(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	expiring := newNotification()
	_, err := store.Insert(ctx, expiring)
	require.NoError(t, err)

	permanent := newNotification()
	permanent.Expires = nil
	permanent.Host = "192.0.2.11"
	_, err = store.Insert(ctx, permanent)
	require.NoError(t, err)

	purged, err := store.PurgeExpired(ctx, sent.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)

	purged, err = store.PurgeExpired(ctx, sent.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetNotification(ctx, expiring.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetNotification(ctx, permanent.ID)
	assert.NoError(t, err)
}

func TestInsertTransientFailureRollsBack(t *testing.T) {
	store, mock, counters := newMockStore(t, DriverSQLite, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notifications").WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	n := newNotification()
	result, err := store.Insert(context.Background(), n)
	require.Error(t, err)
	assert.Equal(t, types.WriteFailed, result.Outcome)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Zero(t, n.ID)

	assert.Equal(t, int64(1), counters.Value(metrics.DBWriteFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateClassificationPerDriver(t *testing.T) {
	tests := []struct {
		name         string
		databaseType string
		err          error
	}{
		{"sqlite unique", DriverSQLite, sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}},
		{"sqlite primary key", DriverSQLite, sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}},
		{"mysql duplicate entry", DriverMySQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
		{"sqlserver unique key", DriverSQLServer, mssql.Error{Number: 2627, Message: "Violation of UNIQUE KEY constraint"}},
		{"sqlserver unique index", DriverSQLServer, mssql.Error{Number: 2601, Message: "Cannot insert duplicate key row"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock, counters := newMockStore(t, tt.databaseType, nil)

			mock.ExpectBegin()
			if tt.databaseType == DriverSQLServer {
				mock.ExpectQuery("INSERT INTO notifications").WillReturnError(tt.err)
			} else {
				mock.ExpectExec("INSERT INTO notifications").WillReturnError(tt.err)
			}
			mock.ExpectRollback()

			result, err := store.Insert(context.Background(), newNotification())
			require.NoError(t, err)
			assert.Equal(t, types.WriteDuplicate, result.Outcome)
			assert.Equal(t, int64(1), counters.Value(metrics.DBWriteDuplicate))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestInsertPostgresReturning(t *testing.T) {
	store, mock, counters := newMockStore(t, DriverPostgres, nil)

	n := newNotification()
	n.Varbinds = n.Varbinds[:1]

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO notifications \(.+\) VALUES \(\$1, .+\$9\) RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectPrepare(`INSERT INTO varbinds .+ VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		ExpectExec().
		WithArgs(int64(42), int64(0), "1.3.6.1.2.1.2.2.1.1.2", "integer", "2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Insert(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, types.WriteStored, result.Outcome)
	assert.Equal(t, int64(42), n.ID)
	assert.Equal(t, int64(1), counters.Value(metrics.DBWriteSuccessful))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPostgresUniqueViolation(t *testing.T) {
	store, mock, _ := newMockStore(t, DriverPostgres, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO notifications").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	result, err := store.Insert(context.Background(), newNotification())
	require.NoError(t, err)
	assert.Equal(t, types.WriteDuplicate, result.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRetriesTransientFailure(t *testing.T) {
	counters := metrics.NewCounters()
	retryer, err := retry.New(&retry.RetryConfig{
		Mode:              retry.ModeRetry,
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2,
	}, counters, testutil.NewLogger(), retry.WithPermanent(IsDuplicate))
	require.NoError(t, err)

	store, mock, _ := newMockStore(t, DriverSQLite, retryer)
	store.metrics = counters

	n := newNotification()
	n.Varbinds = nil

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notifications").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	result, err := store.Insert(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, types.WriteStored, result.Outcome)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, int64(7), n.ID)
	assert.Equal(t, int64(1), counters.Value(metrics.DBWriteRetried))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateIsNeverRetried(t *testing.T) {
	retryer, err := retry.New(&retry.RetryConfig{
		Mode:              retry.ModeRetry,
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2,
	}, nil, testutil.NewLogger(), retry.WithPermanent(IsDuplicate))
	require.NoError(t, err)

	store, mock, _ := newMockStore(t, DriverMySQL, retryer)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notifications").WillReturnError(&mysql.MySQLError{Number: 1062})
	mock.ExpectRollback()

	result, err := store.Insert(context.Background(), newNotification())
	require.NoError(t, err)
	assert.Equal(t, types.WriteDuplicate, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDuplicate(t *testing.T) {
	assert.False(t, IsDuplicate(nil))
	assert.False(t, IsDuplicate(errors.New("boom")))
	assert.True(t, IsDuplicate(ErrDuplicate))
	assert.True(t, IsDuplicate(&pq.Error{Code: "23505"}))
	assert.False(t, IsDuplicate(&pq.Error{Code: "23503"}))
	assert.False(t, IsDuplicate(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicate(mssql.Error{Number: 1205}))
	assert.False(t, IsDuplicate(sqlite3.Error{Code: sqlite3.ErrBusy}))
}

func TestDialects(t *testing.T) {
	d, err := dialectFor("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", d.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "$3, $4", d.placeholders(3, 2))

	d, err = dialectFor("mssql")
	require.NoError(t, err)
	assert.Equal(t, "@p1, @p2", d.placeholders(1, 2))

	d, err = dialectFor("mariadb")
	require.NoError(t, err)
	assert.Equal(t, "WHERE a = ?", d.rebind("WHERE a = ?"))

	_, err = dialectFor("oracle")
	assert.Error(t, err)
}

func TestMySQLDSNParsesTime(t *testing.T) {
	for _, dsn := range []string{
		"trapkeeper:secret@tcp(db.example.net:3306)/traps",
		"trapkeeper:secret@tcp(db.example.net:3306)/traps?parseTime=false&loc=Local",
	} {
		out, err := mysqlDSN(dsn)
		require.NoError(t, err)

		cfg, err := mysql.ParseDSN(out)
		require.NoError(t, err)
		assert.True(t, cfg.ParseTime, dsn)
		assert.Equal(t, time.UTC, cfg.Loc, dsn)
		assert.Equal(t, "traps", cfg.DBName)
		assert.Equal(t, "db.example.net:3306", cfg.Addr)
	}

	_, err := mysqlDSN("not a dsn")
	assert.Error(t, err)
}
