package mysqlconn

import (
	"context"
	"fmt"
	"strings"
)

// GetTableNames lists the tables of the connection's current schema.
func (c *Conn) GetTableNames(ctx context.Context) ([]TableName, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE()`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []TableName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, TableName{Name: name})
	}
	return names, rows.Err()
}

// TableExists reports whether table exists, comparing case-insensitively.
func (c *Conn) TableExists(ctx context.Context, table TableName) (bool, error) {
	var n int
	err := c.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND LOWER(TABLE_NAME) = LOWER(?)`,
		table.Schema, table.Name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return n > 0, nil
}

// GetColumns maps column name to SQL data type for one table. Keys are
// lower-cased so lookups are case-insensitive.
func (c *Conn) GetColumns(ctx context.Context, table TableName) (map[string]string, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?`,
		table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("list columns %s: %w", table, err)
	}
	defer rows.Close()

	columns := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns[strings.ToLower(name)] = strings.ToLower(dataType)
	}
	return columns, rows.Err()
}

// GetIndexes maps index name to its comma-joined column list, ordered by
// position within the index. Keys are lower-cased.
func (c *Conn) GetIndexes(ctx context.Context, table TableName) (map[string]string, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT INDEX_NAME, COLUMN_NAME FROM INFORMATION_SCHEMA.STATISTICS
		 WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?
		 ORDER BY INDEX_NAME, SEQ_IN_INDEX`,
		table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("list indexes %s: %w", table, err)
	}
	defer rows.Close()

	indexes := map[string]string{}
	for rows.Next() {
		var index, column string
		if err := rows.Scan(&index, &column); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		key := strings.ToLower(index)
		if existing, ok := indexes[key]; ok {
			indexes[key] = existing + ", " + column
		} else {
			indexes[key] = column
		}
	}
	return indexes, rows.Err()
}

// The conditional DDL primitives below select object existence into a
// session variable, conditionally build the DDL string, and PREPARE/EXECUTE
// it, so re-running them against an up-to-date schema is a no-op rather than
// an error. All statements run on the connection's single session, which
// PREPARE requires.
//
// 'DO 0' is the preparable no-op used when the object is already in the
// desired state.

// CreateColumnIfNotExists adds a column when absent. definition is the
// column type and attributes, e.g. "VARCHAR(200) NULL".
func (c *Conn) CreateColumnIfNotExists(ctx context.Context, table TableName, column, definition string) error {
	return c.conditionalDDL(ctx,
		`SET @relayq_exists = (SELECT COUNT(*) FROM INFORMATION_SCHEMA.COLUMNS
		  WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ? AND COLUMN_NAME = ?)`,
		[]any{table.Schema, table.Name, column},
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table.Qualified(), quoteIdent(column), definition),
		false)
}

// DropColumnIfExists removes a column when present.
func (c *Conn) DropColumnIfExists(ctx context.Context, table TableName, column string) error {
	return c.conditionalDDL(ctx,
		`SET @relayq_exists = (SELECT COUNT(*) FROM INFORMATION_SCHEMA.COLUMNS
		  WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ? AND COLUMN_NAME = ?)`,
		[]any{table.Schema, table.Name, column},
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table.Qualified(), quoteIdent(column)),
		true)
}

// CreateIndexIfNotExists creates an index when absent. columnSpec is the
// parenthesized column list, e.g. "(`priority` DESC, `visible` ASC)".
func (c *Conn) CreateIndexIfNotExists(ctx context.Context, table TableName, index, columnSpec string) error {
	return c.conditionalDDL(ctx,
		`SET @relayq_exists = (SELECT COUNT(DISTINCT INDEX_NAME) FROM INFORMATION_SCHEMA.STATISTICS
		  WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ? AND INDEX_NAME = ?)`,
		[]any{table.Schema, table.Name, index},
		fmt.Sprintf("CREATE INDEX %s ON %s %s", quoteIdent(index), table.Qualified(), columnSpec),
		false)
}

// DropIndexIfExists drops an index when present.
func (c *Conn) DropIndexIfExists(ctx context.Context, table TableName, index string) error {
	return c.conditionalDDL(ctx,
		`SET @relayq_exists = (SELECT COUNT(DISTINCT INDEX_NAME) FROM INFORMATION_SCHEMA.STATISTICS
		  WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ? AND INDEX_NAME = ?)`,
		[]any{table.Schema, table.Name, index},
		fmt.Sprintf("DROP INDEX %s ON %s", quoteIdent(index), table.Qualified()),
		true)
}

// conditionalDDL runs ddl when the existence probe result matches the wanted
// state: ifExists=false runs ddl when the object is absent, ifExists=true
// when present.
func (c *Conn) conditionalDDL(ctx context.Context, probe string, probeArgs []any, ddl string, ifExists bool) error {
	if _, err := c.ExecContext(ctx, probe, probeArgs...); err != nil {
		return fmt.Errorf("probe existence: %w", err)
	}
	cond := "@relayq_exists = 0"
	if ifExists {
		cond = "@relayq_exists > 0"
	}
	if _, err := c.ExecContext(ctx,
		"SET @relayq_ddl = IF("+cond+", ?, 'DO 0')", ddl); err != nil {
		return fmt.Errorf("build ddl: %w", err)
	}
	for _, stmt := range []string{
		"PREPARE relayq_stmt FROM @relayq_ddl",
		"EXECUTE relayq_stmt",
		"DEALLOCATE PREPARE relayq_stmt",
	} {
		if _, err := c.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}
