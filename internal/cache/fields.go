package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/westernx/sgcache/internal/schema"
)

// column is one SQL column a field materializes on its entity table.
type column struct {
	name    string
	sqlType string
}

// Field is the strategy for one schema field: how it is stored, how it
// participates in select/order/filter compilation, and how values are
// written. Strategies that cannot serve an operation return a
// Passthrough error so the request falls through to the upstream
// server.
type Field interface {
	DataType() string
	Cached() bool

	columns() []column

	prepareSelect(q *query, path FieldPath) (*selected, error)
	prepareOrder(q *query, path FieldPath) (string, error)
	prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error)

	// prepareUpsert maps an incoming value to column values, or
	// errNoFieldData when the field stores nothing on the main table.
	prepareUpsert(value any) (map[string]any, error)
}

// newField picks the strategy for a schema field. Unknown data types
// are stored as non-cacheable so requests touching them pass through.
func newField(typeName, fieldName string, fs schema.FieldSchema) (Field, error) {
	base := baseField{typeName: typeName, name: fieldName, spec: fs}
	switch fs.DataType {
	case "checkbox":
		return &checkboxField{base}, nil
	case "number", "duration", "percent", "timecode":
		return &numberField{base}, nil
	case "float":
		return &floatField{base}, nil
	case "text", "entity_type", "color", "list", "status_list", "uuid":
		return &textField{base}, nil
	case "date":
		return &dateField{textField{base}}, nil
	case "date_time":
		return &dateTimeField{textField{base}}, nil
	case "entity":
		if len(fs.EntityTypes) == 0 {
			return nil, fmt.Errorf("entity field %s.%s has no entity_types", typeName, fieldName)
		}
		return &entityField{baseField: base}, nil
	case "multi_entity":
		if len(fs.EntityTypes) == 0 {
			return nil, fmt.Errorf("multi_entity field %s.%s has no entity_types", typeName, fieldName)
		}
		return &multiEntityField{baseField: base}, nil
	case "absent":
		return &uncachedField{base}, nil
	default:
		return &uncachedField{base}, nil
	}
}

type baseField struct {
	typeName string
	name     string
	spec     schema.FieldSchema
}

func (f *baseField) DataType() string { return f.spec.DataType }
func (f *baseField) Cached() bool     { return true }

func (f *baseField) columnName() string { return f.name }

func (f *baseField) selectOne(q *query, path FieldPath, extract func(any) (any, bool)) (*selected, error) {
	col, err := q.columnFor(path, len(path)-1, f.columnName())
	if err != nil {
		return nil, err
	}
	return &selected{
		path:  path,
		exprs: []string{col},
		extract: func(vals []any) (any, bool) {
			return extract(vals[0])
		},
	}, nil
}

func (f *baseField) prepareOrder(q *query, path FieldPath) (string, error) {
	return q.columnFor(path, len(path)-1, f.columnName())
}

// comparableFilter implements the relations shared by number-like and
// text-like fields. Text equality is handled separately for LIKE
// semantics.
func (f *baseField) comparableFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	col, err := q.columnFor(path, len(path)-1, f.columnName())
	if err != nil {
		return clause{}, err
	}
	switch relation {
	case "is":
		if len(values) != 1 {
			return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
		}
		if values[0] == nil {
			return clause{sql: col + " IS NULL"}, nil
		}
		return clause{sql: col + " = ?", args: values[:1]}, nil
	case "is_not":
		if len(values) != 1 {
			return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
		}
		if values[0] == nil {
			return clause{sql: col + " IS NOT NULL"}, nil
		}
		return clause{sql: "(" + col + " != ? OR " + col + " IS NULL)", args: values[:1]}, nil
	case "in", "not_in":
		if len(values) == 0 {
			return clause{}, clientFaultf("filter %s %q needs values", path, relation)
		}
		ph := placeholders(len(values))
		if relation == "in" {
			return clause{sql: col + " IN (" + ph + ")", args: values}, nil
		}
		return clause{sql: "(" + col + " NOT IN (" + ph + ") OR " + col + " IS NULL)", args: values}, nil
	case "greater_than":
		if len(values) != 1 {
			return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
		}
		return clause{sql: col + " > ?", args: values[:1]}, nil
	case "less_than":
		if len(values) != 1 {
			return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
		}
		return clause{sql: col + " < ?", args: values[:1]}, nil
	case "between":
		if len(values) != 2 {
			return clause{}, clientFaultf("filter %s between needs two values", path)
		}
		return clause{sql: col + " BETWEEN ? AND ?", args: values}, nil
	case "not_between":
		if len(values) != 2 {
			return clause{}, clientFaultf("filter %s not_between needs two values", path)
		}
		return clause{sql: "(" + col + " NOT BETWEEN ? AND ? OR " + col + " IS NULL)", args: values}, nil
	}
	return clause{}, filterNotImplemented(relation, path.String())
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// checkboxField stores booleans.
type checkboxField struct{ baseField }

func (f *checkboxField) columns() []column {
	return []column{{f.columnName(), "BOOLEAN"}}
}

func (f *checkboxField) prepareSelect(q *query, path FieldPath) (*selected, error) {
	return f.selectOne(q, path, func(v any) (any, bool) {
		switch b := v.(type) {
		case nil:
			return nil, true
		case bool:
			return b, true
		case int64:
			return b != 0, true
		}
		return v, true
	})
}

func (f *checkboxField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	return f.comparableFilter(q, path, relation, values)
}

func (f *checkboxField) prepareUpsert(value any) (map[string]any, error) {
	return map[string]any{f.columnName(): value}, nil
}

// numberField stores integers; also covers duration, percent and
// timecode, which are integers on the wire.
type numberField struct{ baseField }

func (f *numberField) columns() []column {
	return []column{{f.columnName(), "INTEGER"}}
}

func (f *numberField) prepareSelect(q *query, path FieldPath) (*selected, error) {
	return f.selectOne(q, path, func(v any) (any, bool) { return v, true })
}

func (f *numberField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	return f.comparableFilter(q, path, relation, values)
}

func (f *numberField) prepareUpsert(value any) (map[string]any, error) {
	return map[string]any{f.columnName(): value}, nil
}

// floatField stores floating-point numbers.
type floatField struct{ baseField }

func (f *floatField) columns() []column {
	return []column{{f.columnName(), "FLOAT"}}
}

func (f *floatField) prepareSelect(q *query, path FieldPath) (*selected, error) {
	return f.selectOne(q, path, func(v any) (any, bool) { return v, true })
}

func (f *floatField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	return f.comparableFilter(q, path, relation, values)
}

func (f *floatField) prepareUpsert(value any) (map[string]any, error) {
	return map[string]any{f.columnName(): value}, nil
}

// textField stores strings; entity_type, color, list, status_list and
// uuid are plain strings on the wire.
type textField struct{ baseField }

func (f *textField) columns() []column {
	return []column{{f.columnName(), "TEXT"}}
}

func (f *textField) prepareSelect(q *query, path FieldPath) (*selected, error) {
	return f.selectOne(q, path, func(v any) (any, bool) { return normalizeValue(v), true })
}

// escapeLike backslash-escapes LIKE metacharacters.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// prepareFilter matches text with LIKE so equality is case-insensitive
// in the same way the upstream server treats it.
func (f *textField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	col, err := q.columnFor(path, len(path)-1, f.columnName())
	if err != nil {
		return clause{}, err
	}
	likeArg := func(pattern string) (string, error) {
		if len(values) != 1 {
			return "", clientFaultf("filter %s %q needs one value", path, relation)
		}
		s, ok := values[0].(string)
		if !ok {
			if values[0] == nil {
				return "", nil
			}
			return "", clientFaultf("filter %s %q needs a string value", path, relation)
		}
		return strings.Replace(pattern, "*", escapeLike(s), 1), nil
	}
	switch relation {
	case "is", "is_not":
		if len(values) != 1 {
			return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
		}
		if values[0] == nil {
			if relation == "is" {
				return clause{sql: col + " IS NULL"}, nil
			}
			return clause{sql: col + " IS NOT NULL"}, nil
		}
		arg, err := likeArg("*")
		if err != nil {
			return clause{}, err
		}
		like := col + ` LIKE ? ESCAPE '\'`
		if relation == "is" {
			return clause{sql: like, args: []any{arg}}, nil
		}
		return clause{sql: "(NOT " + like + " OR " + col + " IS NULL)", args: []any{arg}}, nil
	case "contains", "not_contains":
		if len(values) != 1 {
			return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
		}
		arg, err := likeArg("%*%")
		if err != nil {
			return clause{}, err
		}
		like := col + ` LIKE ? ESCAPE '\'`
		if relation == "contains" {
			return clause{sql: like, args: []any{arg}}, nil
		}
		return clause{sql: "(NOT " + like + " OR " + col + " IS NULL)", args: []any{arg}}, nil
	case "starts_with":
		arg, err := likeArg("*%")
		if err != nil {
			return clause{}, err
		}
		return clause{sql: col + ` LIKE ? ESCAPE '\'`, args: []any{arg}}, nil
	case "ends_with":
		arg, err := likeArg("%*")
		if err != nil {
			return clause{}, err
		}
		return clause{sql: col + ` LIKE ? ESCAPE '\'`, args: []any{arg}}, nil
	case "in", "not_in", "greater_than", "less_than", "between", "not_between":
		return f.comparableFilter(q, path, relation, values)
	}
	return clause{}, filterNotImplemented(relation, path.String())
}

func (f *textField) prepareUpsert(value any) (map[string]any, error) {
	return map[string]any{f.columnName(): value}, nil
}

// dateField stores calendar dates as their wire strings.
type dateField struct{ textField }

func (f *dateField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	switch relation {
	case "is", "is_not", "in", "not_in", "greater_than", "less_than", "between", "not_between":
		return f.comparableFilter(q, path, relation, values)
	}
	// Calendar-relative relations need the upstream server's clock and
	// locale rules.
	return clause{}, filterNotImplemented(relation, path.String())
}

// dateTimeField stores UTC timestamps.
type dateTimeField struct{ textField }

func (f *dateTimeField) columns() []column {
	return []column{{f.columnName(), "DATETIME"}}
}

func (f *dateTimeField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	switch relation {
	case "is", "is_not", "in", "not_in", "greater_than", "less_than", "between", "not_between":
		return f.comparableFilter(q, path, relation, values)
	}
	return clause{}, filterNotImplemented(relation, path.String())
}

// uncachedField stands in for fields the cache does not hold: the
// schema marks them absent, or their data type is not cacheable. Any
// use forces a passthrough.
type uncachedField struct{ baseField }

func (f *uncachedField) Cached() bool      { return false }
func (f *uncachedField) columns() []column { return nil }

func (f *uncachedField) prepareSelect(q *query, path FieldPath) (*selected, error) {
	return nil, fieldNotCached(f.typeName, f.name)
}

func (f *uncachedField) prepareOrder(q *query, path FieldPath) (string, error) {
	return "", fieldNotCached(f.typeName, f.name)
}

func (f *uncachedField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	return clause{}, fieldNotCached(f.typeName, f.name)
}

func (f *uncachedField) prepareUpsert(value any) (map[string]any, error) {
	return nil, errNoFieldData
}

// normalizeValue renders driver-level values back to their wire form.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05Z")
	case []byte:
		return string(t)
	default:
		return v
	}
}
