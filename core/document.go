package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type (
	// Fields is the content of a stored document.
	Fields map[string]any

	Document struct {
		ID     string `json:"id"`
		Fields Fields `json:"fields"`
	}

	// Filter is an equality condition on one field.
	Filter struct {
		Field string
		Value any
	}

	// Query selects documents of one owner partition of a collection.
	Query struct {
		Collection string
		OwnerID    string
		Filters    []Filter
		OrderBy    string
	}

	Snapshot struct {
		Query Query
		Docs  []Document
		Err   error
	}
)

// Where returns a copy of q with an extra equality filter.
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

func (q Query) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s=%q", q.Collection, FieldOwner, q.OwnerID)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, ",%s=%v", f.Field, f.Value)
	}
	b.WriteString("]")
	if q.OrderBy != "" {
		b.WriteString(" orderBy " + q.OrderBy)
	}
	return b.String()
}

// Matches reports whether the document belongs to the query result.
func (q Query) Matches(doc Document) bool {
	if doc.Fields.String(FieldOwner) != q.OwnerID {
		return false
	}
	for _, f := range q.Filters {
		if !equalValues(doc.Fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// Apply filters and orders docs the way a store evaluates q. Ties on the
// order field are broken by id so results are stable.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			if c := compareValues(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy]); c != 0 {
				return c < 0
			}
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Clone deep copies fields through their JSON form, the same normalisation a
// persistent store applies (numbers come back as float64).
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	data, err := json.Marshal(f)
	if err != nil {
		panic(fmt.Sprintf("core: fields not serialisable: %v", err))
	}
	var out Fields
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("core: fields not deserialisable: %v", err))
	}
	return out
}

// Merge returns a copy of f with update applied on top.
func (f Fields) Merge(update Fields) Fields {
	out := f.Clone()
	for k, v := range update.Clone() {
		out[k] = v
	}
	return out
}

func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f Fields) Int(key string) int {
	n, ok := toFloat(f[key])
	if !ok {
		return 0
	}
	return int(n)
}

func (f Fields) Decimal(key string) decimal.Decimal {
	switch v := f[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case decimal.Decimal:
		return v
	}
	return decimal.Zero
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return a == b
}

func compareValues(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(sa, sb)
}
