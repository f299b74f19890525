// Package dbtest provisions MySQL databases for integration tests. Tests
// use a server named by RELAYQ_TEST_DSN when set, and otherwise start a
// throwaway MySQL container. Tests skip when neither is available.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/relayq/relayq/internal/mysqlconn"
)

// EnvDSN names an existing MySQL database to run integration tests against,
// e.g. "root:secret@tcp(127.0.0.1:3306)/relayq_test". The database is
// written to; never point it at anything you care about.
const EnvDSN = "RELAYQ_TEST_DSN"

var (
	setupOnce sync.Once
	setupDSN  string
	setupErr  error

	tableSeq atomic.Int64
)

// DSN returns the DSN of the test database, skipping the test when no
// database can be had. All tests of one binary share the database; use
// UniqueName for table names.
func DSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv(EnvDSN); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skipf("short mode and %s not set", EnvDSN)
	}
	setupOnce.Do(func() {
		// The container is reaped by testcontainers when the test binary
		// exits; it is shared by every test in the binary.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		container, err := tcmysql.Run(ctx, "mysql:8.4",
			tcmysql.WithDatabase("relayq_test"),
			tcmysql.WithUsername("relayq"),
			tcmysql.WithPassword("relayq"))
		if err != nil {
			setupErr = err
			return
		}
		setupDSN, setupErr = container.ConnectionString(ctx, "parseTime=true")
	})
	if setupErr != nil {
		t.Skipf("mysql unavailable (set %s to use an existing server): %v", EnvDSN, setupErr)
	}
	return setupDSN
}

// NewProvider opens a provider against the test database and closes it when
// the test ends.
func NewProvider(t *testing.T) *mysqlconn.Provider {
	t.Helper()
	provider, err := mysqlconn.NewProvider(mysqlconn.Config{DSN: DSN(t)})
	if err != nil {
		t.Fatalf("open provider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

// UniqueName returns a table name no other test in the binary uses.
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, os.Getpid(), tableSeq.Add(1))
}

// DropTable removes a table at test cleanup, tolerating its absence.
func DropTable(t *testing.T, provider *mysqlconn.Provider, name string) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		table := mysqlconn.ParseTableName(name)
		_ = provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			_, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+table.Qualified())
			return err
		})
	})
}
