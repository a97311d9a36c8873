package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/semver"
)

// Query filters a list. Zero fields do not filter.
type Query struct {
	Kind    models.Kind
	UID     string
	Name    string
	Team    string
	Version string // full version, range (^, ~, *) or partial
	Tags    map[string]string
	MaxDate time.Time // inclusive upper bound on created_at
	Limit   int
	// IgnoreRC drops versions carrying a pre-release field.
	IgnoreRC bool
	// AllMatches returns every row of a range query instead of the highest.
	AllMatches bool
}

// ParseMaxDate reads a YYYY-MM-DD date as the end of that UTC day.
func ParseMaxDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.Field("max_date", "want YYYY-MM-DD, got %q", s)
	}
	return d.Add(24*time.Hour - time.Microsecond), nil
}

// Insert writes a new row in one transaction.
func (db *DB) Insert(ctx context.Context, c models.Card) error {
	t, err := tableFor(c.Kind())
	if err != nil {
		return err
	}
	args, err := t.args(c)
	if err != nil {
		return err
	}
	cols := t.columns()
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, db.dialect.rebind(q), args...); err != nil {
		return db.writeErr("insert", c, err)
	}
	if err := tx.Commit(); err != nil {
		return db.writeErr("commit", c, err)
	}
	return nil
}

// Update overwrites every column of the row with c's uid.
func (db *DB) Update(ctx context.Context, c models.Card) error {
	t, err := tableFor(c.Kind())
	if err != nil {
		return err
	}
	args, err := t.args(c)
	if err != nil {
		return err
	}
	cols := t.columns()[1:]
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE uid = ?", t.name, strings.Join(sets, ", "))
	args = append(args[1:], c.Meta().UID)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, db.dialect.rebind(q), args...)
	if err != nil {
		return db.writeErr("update", c, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports zero for rows that matched but did not change.
		var one int
		err := tx.QueryRowContext(ctx, db.dialect.rebind("SELECT 1 FROM "+t.name+" WHERE uid = ?"), c.Meta().UID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s card %s", apperr.ErrNotFound, c.Kind(), c.Meta().UID)
		}
		if err != nil {
			return fmt.Errorf("index: update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return db.writeErr("commit", c, err)
	}
	return nil
}

func (db *DB) writeErr(op string, c models.Card, err error) error {
	if isUniqueViolation(err) {
		h := c.Meta()
		return fmt.Errorf("%w: %s %s/%s version %s already registered", apperr.ErrVersion, c.Kind(), h.Team, h.Name, h.Version)
	}
	return fmt.Errorf("index: %s %s card: %w", op, c.Kind(), err)
}

// Delete removes the row with uid.
func (db *DB) Delete(ctx context.Context, kind models.Kind, uid string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, db.dialect.rebind("DELETE FROM "+t.name+" WHERE uid = ?"), uid)
	if err != nil {
		return fmt.Errorf("index: delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s card %s", apperr.ErrNotFound, kind, uid)
	}
	return tx.Commit()
}

// Get returns the row with uid.
func (db *DB) Get(ctx context.Context, kind models.Kind, uid string) (models.Card, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	c, err := models.New(kind)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE uid = ?", t.selectList(), t.name)
	err = db.conn.QueryRowContext(ctx, db.dialect.rebind(q), uid).Scan(t.targets(c)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s card %s", apperr.ErrNotFound, kind, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get: %w", err)
	}
	return c, nil
}

// Query lists rows ordered by descending semver, then created_at.
func (db *DB) Query(ctx context.Context, q Query) ([]models.Card, error) {
	t, err := tableFor(q.Kind)
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
		rng   semver.Range
		isRng bool
	)
	add := func(expr string, a ...any) {
		where = append(where, expr)
		args = append(args, a...)
	}
	if q.UID != "" {
		add("uid = ?", q.UID)
	}
	if q.Name != "" {
		add("name = ?", q.Name)
	}
	if q.Team != "" {
		add("team = ?", q.Team)
	}
	switch {
	case q.Version == "":
	case semver.IsFull(q.Version):
		add("version = ?", q.Version)
	default:
		rng, isRng = semver.ParseRange(q.Version)
		if !isRng {
			return nil, apperr.Field("version", "not a version or range: %q", q.Version)
		}
		prefix := fmt.Sprintf("%d.", rng.Major)
		if rng.HasMinor {
			prefix += fmt.Sprintf("%d.", rng.Minor)
		}
		add("version LIKE ?", prefix+"%")
	}
	keys := make([]string, 0, len(q.Tags))
	for k := range q.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		expr, arg := db.dialect.tagFilter(k)
		add(expr, arg, q.Tags[k])
	}
	if !q.MaxDate.IsZero() {
		add("created_at <= ?", q.MaxDate.UnixMicro())
	}

	major, minor, patch := db.dialect.versionParts()
	stmt := fmt.Sprintf("SELECT %s FROM %s", t.selectList(), t.name)
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += fmt.Sprintf(" ORDER BY %s DESC, %s DESC, %s DESC, created_at DESC", major, minor, patch)
	// Range and rc filtering happen after the scan, so the limit does too.
	sqlLimit := q.Limit > 0 && !isRng && !q.IgnoreRC
	if sqlLimit {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("index: query %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []models.Card
	for rows.Next() {
		c, err := models.New(q.Kind)
		if err != nil {
			return nil, err
		}
		if err := rows.Scan(t.targets(c)...); err != nil {
			return nil, fmt.Errorf("index: scan %s: %w", t.name, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: query %s: %w", t.name, err)
	}

	out = filterCards(out, func(v *semver.Version) bool {
		if q.IgnoreRC && v.Prerelease() != "" {
			return false
		}
		return !isRng || rng.Matches(v)
	})
	sortCards(out)
	if isRng && !q.AllMatches && len(out) > 1 {
		out = out[:1]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func filterCards(cards []models.Card, keep func(*semver.Version) bool) []models.Card {
	out := cards[:0]
	for _, c := range cards {
		v, err := semver.Parse(c.Meta().Version)
		if err != nil || keep(v) {
			out = append(out, c)
		}
	}
	return out
}

// sortCards refines the SQL order, which cannot rank pre-releases within a
// core. The sort is stable so created_at DESC survives among equal versions.
func sortCards(cards []models.Card) {
	vs := make([]*semver.Version, len(cards))
	for i, c := range cards {
		vs[i], _ = semver.Parse(c.Meta().Version)
	}
	idx := make([]int, len(cards))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := vs[idx[a]], vs[idx[b]]
		switch {
		case va == nil:
			return false
		case vb == nil:
			return true
		}
		return semver.Compare(va, vb) > 0
	})
	sorted := make([]models.Card, len(cards))
	for i, j := range idx {
		sorted[i] = cards[j]
	}
	copy(cards, sorted)
}

// Owner returns the team that registered name, or "" when name is unused.
func (db *DB) Owner(ctx context.Context, kind models.Kind, name string) (string, error) {
	t, err := tableFor(kind)
	if err != nil {
		return "", err
	}
	var team string
	err = db.conn.QueryRowContext(ctx, db.dialect.rebind("SELECT team FROM "+t.name+" WHERE name = ? LIMIT 1"), name).Scan(&team)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("index: owner of %s: %w", name, err)
	}
	return team, nil
}

// Versions returns every version registered under name, highest first.
// A non-empty prefix such as "1" or "1.2" keeps only versions under it.
func (db *DB) Versions(ctx context.Context, kind models.Kind, name, prefix string) ([]string, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind("SELECT version FROM "+t.name+" WHERE name = ?"), name)
	if err != nil {
		return nil, fmt.Errorf("index: versions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if prefix == "" || v == prefix || strings.HasPrefix(v, prefix+".") ||
			strings.HasPrefix(v, prefix+"-") || strings.HasPrefix(v, prefix+"+") {
			out = append(out, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: versions: %w", err)
	}
	return semver.SortStrings(out), nil
}

// KindOf finds which table holds uid.
func (db *DB) KindOf(ctx context.Context, uid string) (models.Kind, error) {
	kinds := models.Kinds()
	parts := make([]string, len(kinds))
	args := make([]any, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("SELECT '%s' AS kind FROM %s WHERE uid = ?", k, tables[k].name)
		args[i] = uid
	}
	var kind string
	err := db.conn.QueryRowContext(ctx, db.dialect.rebind(strings.Join(parts, " UNION ALL ")), args...).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: card %s", apperr.ErrNotFound, uid)
	}
	if err != nil {
		return "", fmt.Errorf("index: kind of: %w", err)
	}
	return models.Kind(kind), nil
}

// Roots returns every artifact root referenced by rows of kind: each row's
// own version directory plus the roots its URIs point into, which differ
// once an update has moved the row to a new version.
func (db *DB) Roots(ctx context.Context, kind models.Kind) (map[string]struct{}, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, "SELECT team, name, version, uris FROM "+t.name)
	if err != nil {
		return nil, fmt.Errorf("index: roots: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var (
			team, name, version string
			uris                map[string]models.ArtifactRef
		)
		if err := rows.Scan(&team, &name, &version, jsonValue{&uris}); err != nil {
			return nil, err
		}
		out[models.ArtifactRoot(kind, team, name, version)] = struct{}{}
		for _, ref := range uris {
			if root, ok := models.RootOfKey(ref.Key); ok {
				out[root] = struct{}{}
			}
		}
	}
	return out, rows.Err()
}
