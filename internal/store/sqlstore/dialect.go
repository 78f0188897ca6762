package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/ledgerline/fieldkeeper/internal/core/db"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

// dialect renders the parts of a lookup query that differ between drivers.
// Identifiers passed in are already validated.
type dialect interface {
	// jsonText returns an expression yielding the text at path inside a JSON
	// column, plus the bind argument for the path.
	jsonText(column string, path []types.PathSegment) (string, any)
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case db.DriverSQLite:
		return sqliteDialect{}, nil
	case db.DriverPostgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

type sqliteDialect struct{}

// json_extract returns SQL numbers for JSON numbers; the cast keeps the
// comparison textual like every other lookup.
func (sqliteDialect) jsonText(column string, path []types.PathSegment) (string, any) {
	return fmt.Sprintf("CAST(json_extract(%s, ?) AS TEXT)", column), sqlitePath(path)
}

// sqlitePath renders $."a"."b"[0]. Keys are quoted so dots or spaces in
// keys survive.
func sqlitePath(path []types.PathSegment) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path {
		if seg.IsIndex {
			b.WriteString("[" + strconv.Itoa(seg.Index) + "]")
			continue
		}
		b.WriteString(`."` + strings.ReplaceAll(seg.Key, `"`, `\"`) + `"`)
	}
	return b.String()
}

type postgresDialect struct{}

func (postgresDialect) jsonText(column string, path []types.PathSegment) (string, any) {
	elems := make([]string, len(path))
	for i, seg := range path {
		if seg.IsIndex {
			elems[i] = strconv.Itoa(seg.Index)
		} else {
			elems[i] = seg.Key
		}
	}
	return fmt.Sprintf("(CAST(%s AS jsonb) #>> CAST(? AS text[]))", column), pq.Array(elems)
}
