package storage

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
)

var (
	// ErrDuplicate marks a write rejected by the deduplication index.
	ErrDuplicate = errors.New("duplicate notification")

	// ErrNotFound is returned by reads for an unknown ID.
	ErrNotFound = errors.New("notification not found")
)

const (
	postgresUniqueViolation = "23505"
	mysqlDuplicateEntry     = 1062
	sqlServerUniqueIndex    = 2601
	sqlServerUniqueKey      = 2627
)

// IsDuplicate reports whether err is a uniqueness violation from any of the
// supported drivers, or wraps ErrDuplicate.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == postgresUniqueViolation
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}

	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		return mssqlErr.Number == sqlServerUniqueKey || mssqlErr.Number == sqlServerUniqueIndex
	}

	return false
}
