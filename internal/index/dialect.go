package index

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the SQL differences between the supported stores.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseURL selects a dialect by the URL prefix and converts the URL into a
// driver name and DSN. Plain paths are treated as SQLite files.
func ParseURL(raw string) (d Dialect, driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Postgres, "pgx", raw, nil
	case strings.HasPrefix(raw, "mysql://"):
		dsn, err := mysqlDSN(raw)
		return MySQL, "mysql", dsn, err
	case strings.HasPrefix(raw, "sqlite:///"):
		return SQLite, "sqlite3", sqliteDSN("/" + strings.TrimPrefix(raw, "sqlite:///")), nil
	case strings.HasPrefix(raw, "sqlite://"):
		return SQLite, "sqlite3", sqliteDSN(strings.TrimPrefix(raw, "sqlite://")), nil
	case strings.Contains(raw, "://"):
		return "", "", "", fmt.Errorf("index: unsupported tracking uri %q", raw)
	}
	return SQLite, "sqlite3", sqliteDSN(raw), nil
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func mysqlDSN(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("index: parse mysql uri: %w", err)
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.ParseTime = true
	cfg.MultiStatements = true
	return cfg.FormatDSN(), nil
}

// rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// versionParts returns expressions extracting the numeric major, minor and
// patch components from the version column.
func (d Dialect) versionParts() (major, minor, patch string) {
	switch d {
	case Postgres:
		return "CAST(split_part(version, '.', 1) AS INTEGER)",
			"CAST(split_part(version, '.', 2) AS INTEGER)",
			"CAST(substring(split_part(version, '.', 3) from '^[0-9]+') AS INTEGER)"
	case MySQL:
		return "CAST(SUBSTRING_INDEX(version, '.', 1) AS UNSIGNED)",
			"CAST(SUBSTRING_INDEX(SUBSTRING_INDEX(version, '.', 2), '.', -1) AS UNSIGNED)",
			"CAST(SUBSTRING_INDEX(SUBSTRING_INDEX(version, '.', 3), '.', -1) AS UNSIGNED)"
	}
	// SQLite has no split function; walk the string by position. CAST of
	// "0-rc" yields its numeric prefix.
	rest1 := "substr(version, instr(version, '.') + 1)"
	rest2 := fmt.Sprintf("substr(%s, instr(%s, '.') + 1)", rest1, rest1)
	return "CAST(substr(version, 1, instr(version, '.') - 1) AS INTEGER)",
		fmt.Sprintf("CAST(substr(%s, 1, instr(%s, '.') - 1) AS INTEGER)", rest1, rest1),
		fmt.Sprintf("CAST(%s AS INTEGER)", rest2)
}

// tagFilter returns a predicate comparing one tag value and the argument
// that selects the key.
func (d Dialect) tagFilter(key string) (expr string, arg any) {
	switch d {
	case Postgres:
		return "(tags ->> CAST(? AS TEXT)) = ?", key
	case MySQL:
		return "JSON_UNQUOTE(JSON_EXTRACT(tags, ?)) = ?", jsonPath(key)
	}
	return "json_extract(tags, ?) = ?", jsonPath(key)
}

func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return false
}
