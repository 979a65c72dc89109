package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/westernx/sgcache/internal/shotgun"
)

// multiEntityField stores a set of entity references in an association
// table keyed by the owning row. Nothing lives on the main table.
type multiEntityField struct {
	baseField
}

func (f *multiEntityField) columns() []column { return nil }

func (f *multiEntityField) assocTableName() string {
	return strings.ToLower(f.typeName) + "_" + f.name
}

func (f *multiEntityField) allowsTarget(typeName string) bool {
	for _, t := range f.spec.EntityTypes {
		if t == typeName {
			return true
		}
	}
	return false
}

// refSeparators used when packing references into one group_concat
// expression; colon joins type and id, comma separates entries.
const refPairSep = ":"

// prepareSelect joins a grouped subquery over the association table so
// the whole set comes back as one concatenated column per row.
func (f *multiEntityField) prepareSelect(q *query, path FieldPath) (*selected, error) {
	parentID, err := q.columnFor(path, len(path)-1, "id")
	if err != nil {
		return nil, err
	}
	key := path.String() + "[]"
	alias := q.registerAlias(key)
	assoc := quoteIdent(f.assocTableName())
	q.joins = append(q.joins, clause{
		sql: fmt.Sprintf(
			"LEFT JOIN (SELECT parent_id, group_concat(child_type || '%s' || child_id) AS refs FROM %s GROUP BY parent_id) AS %s ON %s.parent_id = %s",
			refPairSep, assoc, quoteIdent(alias), quoteIdent(alias), parentID),
	})
	return &selected{
		path:  path,
		exprs: []string{quoteIdent(alias) + ".refs"},
		extract: func(vals []any) (any, bool) {
			return unpackRefs(normalizeValue(vals[0])), true
		},
	}, nil
}

// unpackRefs decodes the concatenated reference column, dropping
// duplicates while keeping first-seen order.
func unpackRefs(v any) []shotgun.Entity {
	refs := []shotgun.Entity{}
	s, ok := v.(string)
	if !ok || s == "" {
		return refs
	}
	seen := make(map[string]bool)
	for _, pair := range strings.Split(s, ",") {
		if seen[pair] {
			continue
		}
		seen[pair] = true
		sep := strings.LastIndex(pair, refPairSep)
		if sep < 1 {
			continue
		}
		id, err := strconv.ParseInt(pair[sep+1:], 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, shotgun.Ref(pair[:sep], id))
	}
	return refs
}

func (f *multiEntityField) prepareOrder(q *query, path FieldPath) (string, error) {
	return "", fieldNotImplemented(f.typeName, f.name, "ordering")
}

// prepareFilter matches direct set membership: does the set contain (or
// not contain) any of the given references.
func (f *multiEntityField) prepareFilter(q *query, path FieldPath, relation string, values []any) (clause, error) {
	parentID, err := q.columnFor(path, len(path)-1, "id")
	if err != nil {
		return clause{}, err
	}
	negate := false
	switch relation {
	case "is", "in":
	case "is_not":
		negate = true
	case "not_in":
		negate = true
	case "type_is", "type_is_not":
		// Membership by type alone: an association row of that child
		// type exists. Rows with no members match the negation.
		if len(values) != 1 {
			return clause{}, clientFaultf("filter %s %q needs one value", path, relation)
		}
		typeName, ok := values[0].(string)
		if !ok {
			return clause{}, clientFaultf("filter %s %q needs a type name", path, relation)
		}
		sub := fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE parent_id = %s AND child_type = ?)",
			quoteIdent(f.assocTableName()), parentID)
		if relation == "type_is_not" {
			sub = "NOT " + sub
		}
		return clause{sql: sub, args: []any{typeName}}, nil
	default:
		return clause{}, filterNotImplemented(relation, path.String())
	}
	if len(values) == 0 {
		return clause{}, clientFaultf("filter %s %q needs values", path, relation)
	}

	var parts []string
	var args []any
	for _, v := range values {
		typeName, id, err := parseRef(v)
		if err != nil {
			return clause{}, err
		}
		parts = append(parts, "(child_type = ? AND child_id = ?)")
		args = append(args, typeName, id)
	}
	sub := fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE parent_id = %s AND (%s))",
		quoteIdent(f.assocTableName()), parentID, strings.Join(parts, " OR "))
	if negate {
		return clause{sql: "NOT " + sub, args: args}, nil
	}
	return clause{sql: sub, args: args}, nil
}

// positiveRelation maps a negated relation to its positive form; deep
// filters are compiled as EXISTS of the positive condition and the
// negation is applied outside.
func positiveRelation(relation string) (string, bool) {
	switch relation {
	case "is_not":
		return "is", true
	case "not_in":
		return "in", true
	case "not_contains":
		return "contains", true
	default:
		return relation, false
	}
}

// prepareDeepFilter compiles a filter that traverses this field at
// segment i: the remaining path is evaluated inside an EXISTS subquery
// over the association table joined to the target type's table.
func (f *multiEntityField) prepareDeepFilter(q *query, path FieldPath, i int, relation string, values []any) (clause, error) {
	target := path[i+1].Type
	if !f.allowsTarget(target) {
		return clause{}, passthroughf("field %s.%s cannot hold type %q", f.typeName, f.name, target)
	}
	tt, ok := q.cache.types[target]
	if !ok {
		return clause{}, entityNotCached(target)
	}

	parentID, err := q.columnFor(path, i, "id")
	if err != nil {
		return clause{}, err
	}
	relation, negated := positiveRelation(relation)

	sub := q.newSubquery(tt)
	inner, err := sub.compileLeaf(path[i+1:], relation, values)
	if err != nil {
		return clause{}, err
	}

	assocAlias := sub.prefix + f.assocTableName()
	var b strings.Builder
	fmt.Fprintf(&b, "EXISTS (SELECT 1 FROM %s AS %s JOIN %s AS %s ON %s.%s = %s.child_id AND %s.child_type = ?",
		quoteIdent(f.assocTableName()), quoteIdent(assocAlias),
		quoteIdent(tt.tableName()), quoteIdent(sub.rootAlias),
		quoteIdent(sub.rootAlias), quoteIdent("id"),
		quoteIdent(assocAlias), quoteIdent(assocAlias))
	args := []any{target}
	for _, j := range sub.joins {
		b.WriteByte(' ')
		b.WriteString(j.sql)
		args = append(args, j.args...)
	}
	fmt.Fprintf(&b, " WHERE %s.parent_id = %s AND %s)", quoteIdent(assocAlias), parentID, inner.sql)
	args = append(args, inner.args...)

	sql := b.String()
	if negated {
		sql = "NOT " + sql
	}
	return clause{sql: sql, args: args}, nil
}

func (f *multiEntityField) prepareUpsert(value any) (map[string]any, error) {
	// The value lands in the association table after the main row
	// exists; see afterUpsert.
	return nil, errNoFieldData
}

// afterUpsert writes the association rows once the owning row's id is
// known. A plain list replaces the whole set; a delta map adds and
// removes individual references, which is how change events arrive.
func (f *multiEntityField) afterUpsert(ctx context.Context, tx *sql.Tx, entityID int64, value any) error {
	table := quoteIdent(f.assocTableName())
	switch v := value.(type) {
	case nil:
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE parent_id = ?", table), entityID)
		return err
	case []any:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE parent_id = ?", table), entityID); err != nil {
			return err
		}
		return f.insertRefs(ctx, tx, entityID, v)
	case map[string]any:
		added, addOK := v["__added__"].([]any)
		removed, removeOK := v["__removed__"].([]any)
		if !addOK && !removeOK {
			return fmt.Errorf("%s.%s: unexpected multi_entity value shape", f.typeName, f.name)
		}
		if err := f.insertRefs(ctx, tx, entityID, added); err != nil {
			return err
		}
		for _, rv := range removed {
			typeName, id, err := parseRef(rv)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", f.typeName, f.name, err)
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE parent_id = ? AND child_type = ? AND child_id = ?", table),
				entityID, typeName, id); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s.%s: unexpected multi_entity value %T", f.typeName, f.name, value)
	}
}

func (f *multiEntityField) insertRefs(ctx context.Context, tx *sql.Tx, entityID int64, refs []any) error {
	// The table has no uniqueness constraint, so dedup by insert-where-
	// absent.
	table := quoteIdent(f.assocTableName())
	stmt := fmt.Sprintf(
		"INSERT INTO %s (parent_id, child_type, child_id) SELECT ?, ?, ? WHERE NOT EXISTS "+
			"(SELECT 1 FROM %s WHERE parent_id = ? AND child_type = ? AND child_id = ?)",
		table, table)
	for _, rv := range refs {
		typeName, id, err := parseRef(rv)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", f.typeName, f.name, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, entityID, typeName, id, entityID, typeName, id); err != nil {
			return err
		}
	}
	return nil
}

// DeltaValue builds the delta-shaped value afterUpsert understands from
// a change event's added/removed reference lists.
func DeltaValue(added, removed []any) map[string]any {
	return map[string]any{"__added__": added, "__removed__": removed}
}
