// Package dialect holds the SQL spelling differences between the engines
// that back workflow tables.
package dialect

import (
	"strings"

	"gorm.io/gorm"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// Of returns the dialect of an open gorm handle.
func Of(db *gorm.DB) Dialect {
	if db == nil || db.Dialector == nil {
		return SQLite
	}
	return Parse(db.Dialector.Name())
}

// Parse maps engine and SQLAlchemy style connection type names onto a Dialect.
func Parse(name string) Dialect {
	switch strings.ToLower(name) {
	case "mysql", "mariadb":
		return MySQL
	case "sqlite", "sqlite3":
		return SQLite
	default:
		return Postgres
	}
}

// Quote quotes an identifier, doubling any embedded quote character.
func (d Dialect) Quote(name string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Like returns the case sensitive LIKE operator, negated when not is set.
func (d Dialect) Like(not bool) string {
	op := "LIKE"
	if not {
		op = "NOT LIKE"
	}
	if d == MySQL {
		op += " BINARY"
	}
	return op
}

// Escape is the ESCAPE clause paired with EscapeLike.
func (d Dialect) Escape() string {
	if d == MySQL {
		return `ESCAPE '\\'`
	}
	return `ESCAPE '\'`
}

// EscapeLike escapes LIKE wildcards in a literal.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ColumnType returns the physical column type used for an OnTask data type.
func (d Dialect) ColumnType(dataType string) string {
	switch dataType {
	case "integer":
		return "BIGINT"
	case "double":
		if d == MySQL {
			return "DOUBLE"
		}
		return "DOUBLE PRECISION"
	case "boolean":
		return "BOOLEAN"
	case "datetime":
		switch d {
		case Postgres:
			return "TIMESTAMP WITH TIME ZONE"
		case MySQL:
			return "DATETIME(6)"
		default:
			return "DATETIME"
		}
	default:
		return "TEXT"
	}
}
