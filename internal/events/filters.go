package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/shopspring/decimal"
)

// ApplyFilters reports whether ev satisfies every filter. An empty list passes.
func ApplyFilters(ev domain.Event, filters []domain.Filter) bool {
	if len(filters) == 0 {
		return true
	}
	doc := eventDocument(ev)
	for _, f := range filters {
		actual, _ := lookup(doc, f.Field)
		if !evaluate(actual, f.Operator, f.Value) {
			return false
		}
	}
	return true
}

// eventDocument is the view of an event that filter paths resolve against
func eventDocument(ev domain.Event) map[string]interface{} {
	data := map[string]interface{}{
		"current": ev.Data.Current,
	}
	if ev.Data.Context != nil {
		data["context"] = ev.Data.Context
	}
	return map[string]interface{}{
		"id":        ev.ID,
		"type":      string(ev.Type),
		"source":    ev.Source,
		"version":   ev.Version,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":      data,
		"metadata":  ev.Metadata,
	}
}

// lookup resolves a dot path. A path whose first segment is not a top-level
// key is resolved against data.current, so "amount" means data.current.amount.
func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	if _, ok := doc[segments[0]]; !ok {
		current, _ := doc["data"].(map[string]interface{})["current"].(map[string]interface{})
		return walk(current, segments)
	}
	return walk(doc, segments)
}

func walk(node interface{}, segments []string) (interface{}, bool) {
	for _, seg := range segments {
		switch n := node.(type) {
		case map[string]interface{}:
			v, ok := n[seg]
			if !ok {
				return nil, false
			}
			node = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}

func evaluate(actual interface{}, op domain.FilterOperator, expected interface{}) bool {
	switch op {
	case domain.OpEq:
		return equal(actual, expected)
	case domain.OpNe:
		return !equal(actual, expected)
	case domain.OpGt:
		c, ok := compare(actual, expected)
		return ok && c > 0
	case domain.OpLt:
		c, ok := compare(actual, expected)
		return ok && c < 0
	case domain.OpGte:
		c, ok := compare(actual, expected)
		return ok && c >= 0
	case domain.OpLte:
		c, ok := compare(actual, expected)
		return ok && c <= 0
	case domain.OpContains:
		if actual == nil {
			return false
		}
		return strings.Contains(stringify(actual), stringify(expected))
	case domain.OpIn:
		return inList(actual, expected)
	case domain.OpNin:
		return !inList(actual, expected)
	default:
		return false
	}
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x.Equal(y)
		}
	}
	if x, ok := a.(bool); ok {
		y, ok := b.(bool)
		return ok && x == y
	}
	return stringify(a) == stringify(b)
}

// compare orders numerically when both sides are numbers, otherwise by string
func compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x.Cmp(y), true
		}
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

func inList(actual, list interface{}) bool {
	rv := reflect.ValueOf(list)
	if list == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(actual, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func toNumber(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromInt(int64(n)), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
