package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

// recordFromRow converts driver values to the Record conventions the engine
// uses everywhere else: text, float64, bool, nil.
func recordFromRow(raw map[string]any) types.Record {
	rec := make(types.Record, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case []byte:
			rec[k] = string(t)
		case int64:
			rec[k] = float64(t)
		case int32:
			rec[k] = float64(t)
		case float32:
			rec[k] = float64(t)
		case time.Time:
			rec[k] = t.UTC().Format(time.RFC3339)
		default:
			rec[k] = v
		}
	}
	return rec
}

// columnValue maps a record value to a bind argument. Objects and arrays
// become JSON text.
func columnValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, types.Record, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}
