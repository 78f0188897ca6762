// Package sqlstore implements the rule and record stores over SQLite or
// PostgreSQL.
//
// Rules, activation links and API keys live in the tables created by the
// embedded migrations; lookups read tenant-maintained master tables named
// by rule configurations. Every table and column name that reaches SQL text
// is checked against an identifier pattern and, when configured, an
// allowlist. Values are always bound.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ledgerline/fieldkeeper/internal/core/db"
	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

// reservedTables hold engine state and are never readable through lookups.
var reservedTables = map[string]bool{
	"rules":            true,
	"rule_activations": true,
	"api_keys":         true,
	"migrations":       true,
}

// Store implements rules.RuleStore and rules.RecordStore.
type Store struct {
	db      *sqlx.DB
	queries *db.Queries
	dialect dialect
	allowed map[string]bool
	logger  *slog.Logger
}

var (
	_ rules.RuleStore   = (*Store)(nil)
	_ rules.RecordStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for ambiguous lookup warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAllowedTables restricts lookups to the named tables. Without it any
// valid identifier outside the reserved engine tables is accepted.
func WithAllowedTables(tables ...string) Option {
	return func(s *Store) {
		for _, t := range tables {
			if t = strings.TrimSpace(t); t != "" {
				s.allowed[t] = true
			}
		}
	}
}

// New builds a Store on an open, migrated database.
func New(database *sqlx.DB, opts ...Option) (*Store, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	d, err := dialectFor(database.DriverName())
	if err != nil {
		return nil, err
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      database,
		queries: queries,
		dialect: d,
		allowed: make(map[string]bool),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Queries exposes the named statements for packages sharing the connection
// (API key authentication).
func (s *Store) Queries() *db.Queries {
	return s.queries
}

// checkTable validates a lookup table name.
func (s *Store) checkTable(table string) error {
	if !rules.ValidIdentifier(table) {
		return fmt.Errorf("%w: %q", types.ErrInvalidIdentifier, table)
	}
	if reservedTables[table] {
		return fmt.Errorf("%w: %s", types.ErrTableNotAllowed, table)
	}
	if len(s.allowed) > 0 && !s.allowed[table] {
		return fmt.Errorf("%w: %s", types.ErrTableNotAllowed, table)
	}
	return nil
}

func checkColumns(columns ...string) error {
	for _, c := range columns {
		if !rules.ValidIdentifier(c) {
			return fmt.Errorf("%w: %q", types.ErrInvalidIdentifier, c)
		}
	}
	return nil
}

// FindOne returns the first row of table satisfying pred. Two rows are
// fetched so an ambiguous match can be reported; which row wins is
// unspecified.
func (s *Store) FindOne(ctx context.Context, table string, pred rules.Predicate) (types.Record, bool, error) {
	if err := s.checkTable(table); err != nil {
		return nil, false, err
	}
	query, args, err := s.buildLookup(table, pred)
	if err != nil {
		return nil, false, err
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var first types.Record
	matched := 0
	for rows.Next() {
		matched++
		if matched > 1 {
			break
		}
		raw := make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return nil, false, err
		}
		first = recordFromRow(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if matched == 0 {
		return nil, false, nil
	}
	if matched > 1 {
		s.logger.WarnContext(ctx, "ambiguous lookup, using first row",
			"table", table, "column", pred.Column, "value", pred.Value)
	}
	return first, true, nil
}

// buildLookup renders SELECT * FROM table WHERE ... LIMIT 2 with ? placeholders.
func (s *Store) buildLookup(table string, pred rules.Predicate) (string, []any, error) {
	if err := checkColumns(pred.Column); err != nil {
		return "", nil, err
	}

	var where []string
	var args []any

	if len(pred.JSONPath) > 0 {
		expr, pathArg := s.dialect.jsonText(pred.Column, pred.JSONPath)
		where = append(where, expr+" = ?")
		args = append(args, pathArg, pred.Value)
	} else {
		where = append(where, pred.Column+" = ?")
		args = append(args, pred.Value)
	}

	for _, f := range pred.Filters {
		if err := checkColumns(f.Column); err != nil {
			return "", nil, err
		}
		where = append(where, f.Column+" = ?")
		args = append(args, f.Value)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 2", table, strings.Join(where, " AND "))
	return query, args, nil
}

// InsertRecord writes one master-data row. Nested values are stored as JSON
// text so JSON lookups can read them back.
func (s *Store) InsertRecord(ctx context.Context, table string, record types.Record) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	if len(record) == 0 {
		return fmt.Errorf("insert into %s: empty record", table)
	}

	columns := make([]string, 0, len(record))
	for c := range record {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	if err := checkColumns(columns...); err != nil {
		return err
	}

	args := make([]any, len(columns))
	for i, c := range columns {
		v, err := columnValue(record[c])
		if err != nil {
			return fmt.Errorf("insert into %s: column %s: %w", table, c, err)
		}
		args[i] = v
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}
