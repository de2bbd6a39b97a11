package analysis

import (
	"fmt"

	"github.com/tidwall/gjson"

	"sifter/internal/config"
	"sifter/internal/domain"
)

// RecordFilter decides whether a record may enter a batch.
type RecordFilter func(domain.Record) bool

// BuildFilter resolves a named filter from config. The built-in "unfiltered"
// filter accepts every record.
func BuildFilter(cfg *config.Config, name string) (RecordFilter, error) {
	if name == "" || name == config.Unfiltered {
		return func(domain.Record) bool { return true }, nil
	}
	f, ok := cfg.Filters[name]
	if !ok {
		return nil, fmt.Errorf("filter %q not found; available: %v", name, cfg.FilterNames())
	}
	return compile(f), nil
}

func compile(f config.Filter) RecordFilter {
	return func(rec domain.Record) bool {
		res := gjson.GetBytes(rec.Data, f.Path)
		if f.Op == "exists" {
			return res.Exists()
		}
		if !res.Exists() || (res.Type != gjson.Number && res.Type != gjson.String) {
			return false
		}
		v := res.Float()
		switch f.Op {
		case "lt":
			return v < f.Value
		case "lte":
			return v <= f.Value
		case "gt":
			return v > f.Value
		case "gte":
			return v >= f.Value
		case "eq":
			return v == f.Value
		case "ne":
			return v != f.Value
		}
		return false
	}
}
