package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Supported database types.
const (
	DriverSQLite    = "sqlite3"
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
)

type idStrategy int

const (
	idLastInsert idStrategy = iota
	idReturning
	idOutput
)

// dialect holds the SQL differences between the supported databases.
type dialect struct {
	name   string
	driver string
	bind   func(n int) string
	ids    idStrategy
	schema []string
}

func dialectFor(databaseType string) (*dialect, error) {
	switch strings.ToLower(databaseType) {
	case DriverSQLite, "sqlite":
		return sqliteDialect, nil
	case DriverPostgres, "postgresql", "pgsql":
		return postgresDialect, nil
	case DriverMySQL, "mariadb":
		return mysqlDialect, nil
	case DriverSQLServer, "mssql":
		return sqlServerDialect, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", databaseType)
	}
}

func questionMark(int) string { return "?" }

var sqliteDialect = &dialect{
	name:   "sqlite",
	driver: DriverSQLite,
	bind:   questionMark,
	ids:    idLastInsert,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host VARCHAR(255) NOT NULL,
			version VARCHAR(8) NOT NULL,
			trap_type VARCHAR(8) NOT NULL,
			oid VARCHAR(1024) NOT NULL,
			sent TIMESTAMP NOT NULL,
			digest CHAR(64) NOT NULL,
			severity VARCHAR(32) NOT NULL,
			manager VARCHAR(255) NOT NULL,
			expires TIMESTAMP NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_notifications_dedup ON notifications (host, oid, sent, digest)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_expires ON notifications (expires)`,
		`CREATE TABLE IF NOT EXISTS varbinds (
			notification_id INTEGER NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			oid VARCHAR(1024) NOT NULL,
			value_type VARCHAR(16) NOT NULL,
			value TEXT NULL,
			PRIMARY KEY (notification_id, position)
		)`,
	},
}

var postgresDialect = &dialect{
	name:   "postgres",
	driver: DriverPostgres,
	bind:   func(n int) string { return fmt.Sprintf("$%d", n) },
	ids:    idReturning,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			host VARCHAR(255) NOT NULL,
			version VARCHAR(8) NOT NULL,
			trap_type VARCHAR(8) NOT NULL,
			oid VARCHAR(1024) NOT NULL,
			sent TIMESTAMP NOT NULL,
			digest CHAR(64) NOT NULL,
			severity VARCHAR(32) NOT NULL,
			manager VARCHAR(255) NOT NULL,
			expires TIMESTAMP NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_notifications_dedup ON notifications (host, oid, sent, digest)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_expires ON notifications (expires)`,
		`CREATE TABLE IF NOT EXISTS varbinds (
			notification_id BIGINT NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			oid VARCHAR(1024) NOT NULL,
			value_type VARCHAR(16) NOT NULL,
			value TEXT NULL,
			PRIMARY KEY (notification_id, position)
		)`,
	},
}

// MySQL index keys are limited to 3072 bytes, hence the shorter OID column.
var mysqlDialect = &dialect{
	name:   "mysql",
	driver: DriverMySQL,
	bind:   questionMark,
	ids:    idLastInsert,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			host VARCHAR(255) NOT NULL,
			version VARCHAR(8) NOT NULL,
			trap_type VARCHAR(8) NOT NULL,
			oid VARCHAR(255) NOT NULL,
			sent DATETIME NOT NULL,
			digest CHAR(64) NOT NULL,
			severity VARCHAR(32) NOT NULL,
			manager VARCHAR(255) NOT NULL,
			expires DATETIME NULL,
			UNIQUE KEY uq_notifications_dedup (host, oid, sent, digest),
			KEY idx_notifications_expires (expires)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS varbinds (
			notification_id BIGINT NOT NULL,
			position INT NOT NULL,
			oid VARCHAR(1024) NOT NULL,
			value_type VARCHAR(16) NOT NULL,
			value TEXT NULL,
			PRIMARY KEY (notification_id, position),
			FOREIGN KEY (notification_id) REFERENCES notifications (id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
}

var sqlServerDialect = &dialect{
	name:   "sqlserver",
	driver: DriverSQLServer,
	bind:   func(n int) string { return fmt.Sprintf("@p%d", n) },
	ids:    idOutput,
	schema: []string{
		`IF OBJECT_ID(N'notifications', N'U') IS NULL
		CREATE TABLE notifications (
			id BIGINT IDENTITY(1,1) PRIMARY KEY,
			host NVARCHAR(255) NOT NULL,
			version NVARCHAR(8) NOT NULL,
			trap_type NVARCHAR(8) NOT NULL,
			oid NVARCHAR(255) NOT NULL,
			sent DATETIME2 NOT NULL,
			digest CHAR(64) NOT NULL,
			severity NVARCHAR(32) NOT NULL,
			manager NVARCHAR(255) NOT NULL,
			expires DATETIME2 NULL,
			CONSTRAINT uq_notifications_dedup UNIQUE (host, oid, sent, digest)
		)`,
		`IF OBJECT_ID(N'varbinds', N'U') IS NULL
		CREATE TABLE varbinds (
			notification_id BIGINT NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
			position INT NOT NULL,
			oid NVARCHAR(1024) NOT NULL,
			value_type NVARCHAR(16) NOT NULL,
			value NVARCHAR(MAX) NULL,
			PRIMARY KEY (notification_id, position)
		)`,
	},
}

// placeholders returns "p1, p2, ..., pn" starting at index from.
func (d *dialect) placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.bind(from + i)
	}
	return strings.Join(parts, ", ")
}

// rebind rewrites ? placeholders into the dialect's form.
func (d *dialect) rebind(query string) string {
	if d.bind(1) == "?" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.bind(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const notificationColumns = "host, version, trap_type, oid, sent, digest, severity, manager, expires"

// insertNotification inserts one notification row and returns its ID.
func (d *dialect) insertNotification(ctx context.Context, tx *sql.Tx, args ...any) (int64, error) {
	values := d.placeholders(1, len(args))

	switch d.ids {
	case idReturning:
		query := fmt.Sprintf("INSERT INTO notifications (%s) VALUES (%s) RETURNING id", notificationColumns, values)
		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	case idOutput:
		query := fmt.Sprintf("INSERT INTO notifications (%s) OUTPUT INSERTED.id VALUES (%s)", notificationColumns, values)
		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	default:
		query := fmt.Sprintf("INSERT INTO notifications (%s) VALUES (%s)", notificationColumns, values)
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get last insert ID: %w", err)
		}
		return id, nil
	}
}
