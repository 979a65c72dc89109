package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/westernx/sgcache/internal/shotgun"
)

// clause is a fragment of SQL with its bind arguments.
type clause struct {
	sql  string
	args []any
}

// selected is one requested field path's contribution to the SELECT
// list: its expressions, the offset of the first one in the scanned
// row, the join witnesses that must be non-null for the value to
// exist, and how to turn the scanned values back into a wire value.
type selected struct {
	path    FieldPath
	exprs   []string
	offset  int
	hidden  bool
	checks  []string
	extract func(vals []any) (any, bool)
}

// query accumulates the pieces of one SELECT as field strategies
// prepare their parts. Subqueries (for deep multi-entity filters) get
// their own query with an ordinal alias prefix so aliases never
// collide with the outer statement.
type query struct {
	cache     *Cache
	root      *EntityType
	prefix    string
	rootAlias string

	aliases    map[string]string
	joins      []clause
	selects    []*selected
	joinChecks map[string]*selected
	wheres     []clause
	orders     []string

	subqueryCount *int
}

func newQuery(c *Cache, root *EntityType) *query {
	n := 0
	return &query{
		cache:         c,
		root:          root,
		rootAlias:     root.tableName(),
		aliases:       make(map[string]string),
		joinChecks:    make(map[string]*selected),
		subqueryCount: &n,
	}
}

func (q *query) newSubquery(root *EntityType) *query {
	*q.subqueryCount++
	prefix := fmt.Sprintf("s%d_", *q.subqueryCount)
	return &query{
		cache:         q.cache,
		root:          root,
		prefix:        prefix,
		rootAlias:     prefix + root.tableName(),
		aliases:       make(map[string]string),
		joinChecks:    make(map[string]*selected),
		subqueryCount: q.subqueryCount,
	}
}

func (q *query) hasAlias(key string) bool {
	_, ok := q.aliases[key]
	return ok
}

func (q *query) registerAlias(key string) string {
	alias := q.prefix + key
	q.aliases[key] = alias
	return alias
}

// columnFor renders a column reference for the table that holds
// segment i's field. Segment zero lives on the root table; deeper
// segments live on the table joined by the previous hop, which must
// already be registered.
func (q *query) columnFor(path FieldPath, i int, col string) (string, error) {
	if i == 0 {
		return quoteIdent(q.rootAlias) + "." + quoteIdent(col), nil
	}
	key := path.Head(i-1).String() + "." + path[i].Type
	alias, ok := q.aliases[key]
	if !ok {
		return "", fmt.Errorf("internal: table for %q not joined", key)
	}
	return quoteIdent(alias) + "." + quoteIdent(col), nil
}

// addJoinCheck selects a witness column proving the join for key
// matched. Subqueries select nothing, so they skip it.
func (q *query) addJoinCheck(key, expr string) {
	if q.prefix != "" {
		return
	}
	if _, ok := q.joinChecks[key]; ok {
		return
	}
	sel := &selected{exprs: []string{expr}, hidden: true}
	q.joinChecks[key] = sel
	q.selects = append(q.selects, sel)
}

// typeAt resolves the entity type segment i's field is looked up on.
func (q *query) typeAt(path FieldPath, i int) (*EntityType, error) {
	if i == 0 {
		return q.root, nil
	}
	return q.cache.Type(path[i].Type)
}

// walkJoins prepares the joins for every hop before the terminal
// segment. Only single-entity fields can be hopped through here; a
// multi-entity hop is legal in filters only and is handled by
// compileLeaf.
func (q *query) walkJoins(path FieldPath) (Field, error) {
	for i := 0; i < len(path)-1; i++ {
		et, err := q.typeAt(path, i)
		if err != nil {
			return nil, err
		}
		f, err := et.Field(path[i].Field)
		if err != nil {
			return nil, err
		}
		ef, ok := f.(*entityField)
		if !ok {
			return nil, fieldNotImplemented(et.Name, path[i].Field, "traversal")
		}
		if err := ef.prepareJoin(q, path, i); err != nil {
			return nil, err
		}
	}
	et, err := q.typeAt(path, len(path)-1)
	if err != nil {
		return nil, err
	}
	return et.Field(path.Last().Field)
}

// ensureSelect adds one return field to the SELECT list.
func (q *query) ensureSelect(path FieldPath) error {
	f, err := q.walkJoins(path)
	if err != nil {
		return err
	}
	sel, err := f.prepareSelect(q, path)
	if err != nil {
		return err
	}
	for i := 0; i < len(path)-1; i++ {
		sel.checks = append(sel.checks, path.Head(i).String()+"."+path[i+1].Type)
	}
	q.selects = append(q.selects, sel)
	return nil
}

// compileLeaf compiles one leaf condition, dispatching deep
// multi-entity hops to the EXISTS machinery.
func (q *query) compileLeaf(path FieldPath, relation string, values []any) (clause, error) {
	for i := 0; i < len(path)-1; i++ {
		et, err := q.typeAt(path, i)
		if err != nil {
			return clause{}, err
		}
		f, err := et.Field(path[i].Field)
		if err != nil {
			return clause{}, err
		}
		switch field := f.(type) {
		case *entityField:
			if err := field.prepareJoin(q, path, i); err != nil {
				return clause{}, err
			}
		case *multiEntityField:
			return field.prepareDeepFilter(q, path, i, relation, values)
		default:
			return clause{}, fieldNotImplemented(et.Name, path[i].Field, "traversal")
		}
	}
	et, err := q.typeAt(path, len(path)-1)
	if err != nil {
		return clause{}, err
	}
	f, err := et.Field(path.Last().Field)
	if err != nil {
		return clause{}, err
	}
	return f.prepareFilter(q, path, relation, values)
}

// compileGroup compiles a filter group; an empty group matches
// everything.
func (q *query) compileGroup(group shotgun.FilterGroup) (clause, error) {
	op := strings.ToLower(group.LogicalOperator)
	switch op {
	case "", "all", "and":
		op = "AND"
	case "any", "or":
		op = "OR"
	default:
		return clause{}, clientFaultf("unknown logical operator %q", group.LogicalOperator)
	}

	var parts []string
	var args []any
	for _, cond := range group.Conditions {
		var cl clause
		var err error
		if cond.Group != nil {
			cl, err = q.compileGroup(*cond.Group)
		} else {
			var path FieldPath
			path, err = ParsePath(cond.Path, q.root.Name)
			if err == nil {
				cl, err = q.compileLeaf(path, cond.Relation, cond.Values)
			}
		}
		if err != nil {
			return clause{}, err
		}
		if cl.sql == "" {
			continue
		}
		parts = append(parts, cl.sql)
		args = append(args, cl.args...)
	}
	if len(parts) == 0 {
		return clause{}, nil
	}
	if len(parts) == 1 {
		return clause{sql: parts[0], args: args}, nil
	}
	return clause{sql: "(" + strings.Join(parts, " "+op+" ") + ")", args: args}, nil
}

// Read answers a read request from the cache, or fails with a
// Passthrough error when the request touches anything not cached.
func (c *Cache) Read(ctx context.Context, req *shotgun.ReadRequest) (*shotgun.ReadResult, error) {
	et, err := c.Type(req.Type)
	if err != nil {
		return nil, err
	}
	q := newQuery(c, et)

	// The root id anchors both deduplication and the wire entities.
	baseID := &selected{exprs: []string{quoteIdent(q.rootAlias) + "." + quoteIdent("id")}, hidden: true}
	q.selects = append(q.selects, baseID)

	seen := make(map[string]bool)
	for _, raw := range req.ReturnFields {
		if raw == "id" || seen[raw] {
			continue
		}
		seen[raw] = true
		path, err := ParsePath(raw, et.Name)
		if err != nil {
			return nil, err
		}
		if err := q.ensureSelect(path); err != nil {
			return nil, err
		}
	}

	where, err := q.compileGroup(req.Filters)
	if err != nil {
		return nil, err
	}
	q.wheres = append(q.wheres, where)

	active := 1
	if req.ReturnOnly == "retired" {
		active = 0
	}
	q.wheres = append(q.wheres, clause{
		sql:  quoteIdent(q.rootAlias) + "." + quoteIdent("_active") + " = ?",
		args: []any{active},
	})

	for _, sort := range req.Sorts {
		path, err := ParsePath(sort.FieldName, et.Name)
		if err != nil {
			return nil, err
		}
		f, err := q.walkJoins(path)
		if err != nil {
			return nil, err
		}
		expr, err := f.prepareOrder(q, path)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(sort.Direction, "desc") {
			expr += " DESC"
		}
		q.orders = append(q.orders, expr)
	}

	perPage := req.Paging.EntitiesPerPage
	if perPage <= 0 {
		perPage = 500
	}
	page := req.Paging.CurrentPage
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * perPage

	stmt, args := q.build(perPage, offset)
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.Type, err)
	}
	defer rows.Close()

	result := &shotgun.ReadResult{Entities: []shotgun.Entity{}}
	seenIDs := make(map[int64]bool)
	width := 0
	for _, sel := range q.selects {
		sel.offset = width
		width += len(sel.exprs)
	}
	for rows.Next() {
		vals := make([]any, width)
		ptrs := make([]any, width)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("read %s: %w", req.Type, err)
		}
		id, ok := shotgun.AsInt64(vals[baseID.offset])
		if !ok || seenIDs[id] {
			continue
		}
		seenIDs[id] = true

		entity := shotgun.Entity{"type": et.Name, "id": id}
		for _, sel := range q.selects {
			if sel.hidden {
				continue
			}
			if !q.joinsMatched(sel, vals) {
				continue
			}
			v, keep := sel.extract(vals[sel.offset : sel.offset+len(sel.exprs)])
			if keep {
				entity[sel.path.String()] = v
			}
		}
		result.Entities = append(result.Entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", req.Type, err)
	}

	// The true total is unknowable locally; when the page came back
	// full, claim more than a full page remains so clients keep paging.
	result.PagingInfo.EntityCount = offset + len(result.Entities)
	if len(result.Entities) == perPage {
		result.PagingInfo.EntityCount += perPage + 1
	}
	return result, nil
}

func (q *query) joinsMatched(sel *selected, vals []any) bool {
	for _, key := range sel.checks {
		check := q.joinChecks[key]
		if check == nil || vals[check.offset] == nil {
			return false
		}
	}
	return true
}

// build renders the final statement. Bind arguments appear in join,
// where, then paging order, matching their position in the SQL.
func (q *query) build(limit, offset int) (string, []any) {
	var b strings.Builder
	var args []any

	b.WriteString("SELECT ")
	first := true
	for _, sel := range q.selects {
		for _, expr := range sel.exprs {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(expr)
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(q.root.tableName()))
	for _, j := range q.joins {
		b.WriteByte(' ')
		b.WriteString(j.sql)
		args = append(args, j.args...)
	}

	var wheres []string
	for _, w := range q.wheres {
		if w.sql == "" {
			continue
		}
		wheres = append(wheres, w.sql)
		args = append(args, w.args...)
	}
	if len(wheres) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(wheres, " AND "))
	}
	if len(q.orders) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.orders, ", "))
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, offset)
	return b.String(), args
}
