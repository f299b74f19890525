package mysqlconn

import "strings"

// TableName is a possibly schema-qualified MySQL table name. Names compare
// case-insensitively, matching MySQL's default collation for identifiers.
type TableName struct {
	Schema string // "" means the connection's current schema
	Name   string
}

// ParseTableName parses "table", "schema.table", or the backtick-quoted
// forms of either. Quotes inside quoted identifiers are doubled backticks.
func ParseTableName(s string) TableName {
	parts := splitQualified(strings.TrimSpace(s))
	switch len(parts) {
	case 0:
		return TableName{}
	case 1:
		return TableName{Name: parts[0]}
	default:
		return TableName{Schema: parts[0], Name: parts[1]}
	}
}

// splitQualified splits on dots that are outside backtick quoting.
func splitQualified(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '`':
			if inQuote && i+1 < len(s) && s[i+1] == '`' {
				cur.WriteByte('`') // escaped backtick
				i++
				continue
			}
			inQuote = !inQuote
		case c == '.' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 || len(parts) > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// Qualified returns the backtick-quoted form suitable for splicing into SQL.
func (t TableName) Qualified() string {
	if t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

func (t TableName) String() string { return t.Qualified() }

// IsZero reports whether the name is empty.
func (t TableName) IsZero() bool { return t.Name == "" }

// Equal compares schema and name case-insensitively.
func (t TableName) Equal(o TableName) bool {
	return strings.EqualFold(t.Schema, o.Schema) && strings.EqualFold(t.Name, o.Name)
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
