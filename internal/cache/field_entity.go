package cache

import (
	"fmt"
	"strings"

	"github.com/westernx/sgcache/internal/shotgun"
)

// entityField stores a single entity reference as a pair of columns:
// one for the target type and one for the target id. It is the only
// strategy that supports joining deeper into the graph.
type entityField struct {
	baseField
}

func (f *entityField) typeColumn() string { return f.name + "__type" }
func (f *entityField) idColumn() string   { return f.name + "__id" }

func (f *entityField) columns() []column {
	return []column{
		{f.typeColumn(), "TEXT"},
		{f.idColumn(), "INTEGER"},
	}
}

func (f *entityField) allowsTarget(typeName string) bool {
	for _, t := range f.spec.EntityTypes {
		if t == typeName {
			return true
		}
	}
	return false
}

// prepareJoin registers the LEFT JOIN for hopping through this field at
// segment i of path, along with a join-success witness so extraction
// can tell a failed join from a null value.
func (f *entityField) prepareJoin(q *query, path FieldPath, i int) error {
	target := path[i+1].Type
	if !f.allowsTarget(target) {
		return passthroughf("field %s.%s cannot hold type %q", f.typeName, f.name, target)
	}
	tt, ok := q.cache.types[target]
	if !ok {
		return entityNotCached(target)
	}

	key := path.Head(i).String() + "." + target
	if q.hasAlias(key) {
		return nil
	}
	typeCol, err := q.columnFor(path, i, f.typeColumn())
	if err != nil {
		return err
	}
	idCol, err := q.columnFor(path, i, f.idColumn())
	if err != nil {
		return err
	}
	alias := q.registerAlias(key)
	q.joins = append(q.joins, clause{
		sql: fmt.Sprintf("LEFT JOIN %s AS %s ON %s = %s.%s AND %s = ?",
			quoteIdent(tt.tableName()), quoteIdent(alias),
			idCol, quoteIdent(alias), quoteIdent("id"), typeCol),
		args: []any{target},
	})
	q.addJoinCheck(key, quoteIdent(alias)+"."+quoteIdent("id"))
	return nil
}

func (f *entityField) prepareSelect(q *query, path FieldPath) (*selected, error) {
	typeCol, err := q.columnFor(path, len(path)-1, f.typeColumn())
	if err != nil {
		return nil, err
	}
	idCol, err := q.columnFor(path, len(path)-1, f.idColumn())
	if err != nil {
		return nil, err
	}
	return &selected{
		path:  path,
		exprs: []string{typeCol, idCol},
		extract: func(vals []any) (any, bool) {
			typeName, _ := normalizeValue(vals[0]).(string)
			id, ok := shotgun.AsInt64(vals[1])
			if typeName == "" || !ok {
				return nil, true
			}
			return shotgun.Ref(typeName, id), true
		},
	}, nil
}

func (f *entityField) prepareOrder(q *query, path FieldPath) (string, error) {
	return q.columnFor(path, len(path)-1, f.idColumn())
}

// parseRef pulls a {type, id} reference out of a filter value.
func parseRef(v any) (string, int64, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", 0, clientFaultf("expected entity reference, got %T", v)
	}
	typeName, _ := m["type"].(string)
	id, idOK := shotgun.AsInt64(m["id"])
	if typeName == "" || !idOK {
		return "", 0, clientFaultf("malformed entity reference")
	}
	return typeName, id, nil
}

// prepareFilter compares entity references. References are grouped by
// type; negated relations also match rows whose reference is null.
func (f *entityField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	typeCol, err := q.columnFor(path, len(path)-1, f.typeColumn())
	if err != nil {
		return clause{}, err
	}
	idCol, err := q.columnFor(path, len(path)-1, f.idColumn())
	if err != nil {
		return clause{}, err
	}

	negate := false
	switch relation {
	case "is", "in":
	case "is_not":
		relation, negate = "is", true
	case "not_in":
		relation, negate = "in", true
	case "type_is", "type_is_not":
		return f.prepareTypeFilter(typeCol, idCol, path, relation, values)
	default:
		return clause{}, filterNotImplemented(relation, path.String())
	}
	if relation == "is" && len(values) > 1 {
		return clause{}, clientFaultf("more than one value for %s", relation)
	}

	// Group references by type; a null value becomes its own IS NULL
	// branch so `in [null, X]` matches unset references too.
	nullListed := false
	byType := make(map[string][]any)
	var typeOrder []string
	for _, v := range values {
		if v == nil {
			nullListed = true
			continue
		}
		typeName, id, err := parseRef(v)
		if err != nil {
			return clause{}, err
		}
		if _, seen := byType[typeName]; !seen {
			typeOrder = append(typeOrder, typeName)
		}
		byType[typeName] = append(byType[typeName], id)
	}
	if len(byType) == 0 && !nullListed {
		return clause{}, clientFaultf("filter %s %q needs values", path, relation)
	}

	var parts []string
	var args []any
	if nullListed {
		parts = append(parts, idCol+" IS NULL")
	}
	for _, typeName := range typeOrder {
		ids := byType[typeName]
		parts = append(parts, fmt.Sprintf("(%s = ? AND %s IN (%s))", typeCol, idCol, placeholders(len(ids))))
		args = append(args, typeName)
		args = append(args, ids...)
	}
	sql := strings.Join(parts, " OR ")
	if len(parts) > 1 {
		sql = "(" + sql + ")"
	}
	if negate {
		sql = "NOT " + sql
		// Negation must still match the unset reference, unless null was
		// listed, in which case the negation already excludes it.
		if !nullListed {
			sql = "(" + sql + " OR " + idCol + " IS NULL)"
		}
	}
	return clause{sql: sql, args: args}, nil
}

// prepareTypeFilter compares only the reference's type column.
func (f *entityField) prepareTypeFilter(typeCol, idCol string, path FieldPath, relation string, values []any) (clause, error) {
	if len(values) != 1 {
		return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
	}
	var sql string
	var args []any
	if values[0] == nil {
		sql = typeCol + " IS NULL"
	} else {
		typeName, ok := values[0].(string)
		if !ok {
			return clause{}, clientFaultf("filter %s %q needs a type name", path, relation)
		}
		sql = typeCol + " = ?"
		args = append(args, typeName)
	}
	if relation == "type_is_not" {
		sql = "NOT " + sql
		if values[0] != nil {
			sql = "(" + sql + " OR " + idCol + " IS NULL)"
		}
	}
	return clause{sql: sql, args: args}, nil
}

func (f *entityField) prepareUpsert(value any) (map[string]any, error) {
	if value == nil {
		return map[string]any{f.typeColumn(): nil, f.idColumn(): nil}, nil
	}
	typeName, id, err := parseRef(value)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", f.typeName, f.name, err)
	}
	return map[string]any{f.typeColumn(): typeName, f.idColumn(): id}, nil
}
