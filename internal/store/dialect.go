package store

import "fmt"

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// ForUpdate returns the row-locking suffix for a SELECT inside a write
// transaction. SQLite transactions begin IMMEDIATE and need none.
func (d Dialect) ForUpdate() string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) autoID() string {
	if d == DialectMySQL {
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// key is the column type for indexed string identifiers; MySQL cannot index
// unbounded TEXT.
func (d Dialect) key() string {
	if d == DialectMySQL {
		return "VARCHAR(191)"
	}
	return "TEXT"
}

func (d Dialect) text() string {
	if d == DialectMySQL {
		return "LONGTEXT"
	}
	return "TEXT"
}

func (d Dialect) real() string {
	if d == DialectMySQL {
		return "DOUBLE"
	}
	return "REAL"
}

func (d Dialect) tableSuffix() string {
	if d == DialectMySQL {
		return " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}
	return ""
}

func parseDialect(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case DialectSQLite, DialectMySQL:
		return Dialect(driver), nil
	default:
		return "", fmt.Errorf("unknown store driver %q", driver)
	}
}
