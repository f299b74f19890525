package mysqlconn

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommands(t *testing.T) {
	script := `CREATE TABLE a (id INT)
----
CREATE INDEX i ON a (id)
----

----
DROP TABLE a`
	commands := SplitCommands(script)
	require.Len(t, commands, 3)
	assert.Equal(t, "CREATE TABLE a (id INT)", commands[0])
	assert.Equal(t, "CREATE INDEX i ON a (id)", commands[1])
	assert.Equal(t, "DROP TABLE a", commands[2])
}

func TestSplitCommandsSingle(t *testing.T) {
	commands := SplitCommands("SELECT 1")
	require.Len(t, commands, 1)
	assert.Equal(t, "SELECT 1", commands[0])
}

func TestSplitCommandsEmpty(t *testing.T) {
	assert.Empty(t, SplitCommands("  \n  "))
}

func TestNewProviderRejectsEmptyAndBadDSN(t *testing.T) {
	_, err := NewProvider(Config{})
	require.Error(t, err)

	_, err = NewProvider(Config{DSN: "this is not a dsn"})
	require.Error(t, err)
}

func TestNewProviderRecordsSchema(t *testing.T) {
	p, err := NewProvider(Config{DSN: "user:pass@tcp(127.0.0.1:3306)/busdb"})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "busdb", p.Schema())
}

func TestErrorClassification(t *testing.T) {
	assert.Equal(t, uint16(0), ErrorCode(assert.AnError))

	dup := &mysql.MySQLError{Number: ErrCodeDuplicateKey, Message: "Duplicate entry"}
	assert.True(t, IsDuplicateKey(dup))
	assert.False(t, IsDeadlock(dup))

	deadlock := &mysql.MySQLError{Number: ErrCodeLockDeadlock, Message: "Deadlock found"}
	assert.True(t, IsDeadlock(deadlock))
	assert.False(t, IsDuplicateKey(deadlock))

	lockWait := &mysql.MySQLError{Number: ErrCodeLockWaitTimedOut, Message: "Lock wait timeout"}
	assert.True(t, IsDeadlock(lockWait))

	badTable := &mysql.MySQLError{Number: ErrCodeBadTable, Message: "Unknown table"}
	assert.True(t, IsBadTable(badTable))
}

func TestAbbreviate(t *testing.T) {
	assert.Equal(t, "SELECT 1", abbreviate("  SELECT\n 1 "))
	long := abbreviate("SELECT '" + string(make([]byte, 200)) + "'")
	assert.LessOrEqual(t, len(long), 80)
}
