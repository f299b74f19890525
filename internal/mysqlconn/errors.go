package mysqlconn

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error codes the persistence layer reacts to.
const (
	ErrCodeDatabaseExists    = 1007
	ErrCodeBadTable          = 1051
	ErrCodeDuplicateKey      = 1062
	ErrCodeMultiplePrimary   = 1068
	ErrCodeLockDeadlock      = 1213
	ErrCodeLockWaitTimedOut  = 1205
	ErrCodeDuplicateKeyEntry = 1586
)

// ErrorCode extracts the MySQL server error number from err, or 0 when err
// is not a server error.
func ErrorCode(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

// IsDuplicateKey reports a duplicate-key violation (1062).
func IsDuplicateKey(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeDuplicateKey || code == ErrCodeDuplicateKeyEntry
}

// IsDeadlock reports an InnoDB lock deadlock (1213). Lock-wait timeouts
// (1205) are treated the same way: the losing transaction backs off.
func IsDeadlock(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeLockDeadlock || code == ErrCodeLockWaitTimedOut
}

// IsBadTable reports an unknown-table error (1051).
func IsBadTable(err error) bool {
	return ErrorCode(err) == ErrCodeBadTable
}
