package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westernx/sgcache/internal/shotgun"
)

func seedReadFixtures(t *testing.T, c *Cache) {
	t.Helper()
	ctx := context.Background()

	upsert := func(typeName string, data map[string]any, opts UpsertOptions) {
		_, err := c.CreateOrUpdate(ctx, typeName, data, opts)
		require.NoError(t, err)
	}

	upsert("Project", map[string]any{"id": 1, "name": "Alpha"}, UpsertOptions{})
	upsert("Sequence", map[string]any{
		"id": 5, "code": "AA", "project": map[string]any{"type": "Project", "id": 1},
	}, UpsertOptions{})
	upsert("Sequence", map[string]any{"id": 6, "code": "BB"}, UpsertOptions{})

	upsert("Shot", map[string]any{
		"id": 101, "code": "sh_010", "sg_status_list": "ip", "frame_count": 24,
		"sg_sequence": map[string]any{"type": "Sequence", "id": 5},
		"project":     map[string]any{"type": "Project", "id": 1},
	}, UpsertOptions{})
	upsert("Shot", map[string]any{
		"id": 102, "code": "sh_020", "sg_status_list": "fin", "frame_count": 48,
		"sg_sequence": map[string]any{"type": "Sequence", "id": 6},
	}, UpsertOptions{})
	upsert("Shot", map[string]any{
		"id": 103, "code": "sh_030", "sg_status_list": "ip", "sg_sequence": nil,
	}, UpsertOptions{})
	inactive := false
	upsert("Shot", map[string]any{"id": 104, "code": "sh_040"}, UpsertOptions{Active: &inactive})
	upsert("Shot", map[string]any{"id": 110, "code": "50% done"}, UpsertOptions{})
	upsert("Shot", map[string]any{"id": 111, "code": "50x done"}, UpsertOptions{})

	upsert("HumanUser", map[string]any{"id": 1, "login": "alice", "name": "Alice"}, UpsertOptions{})
	upsert("HumanUser", map[string]any{"id": 2, "login": "bob", "name": "Bob"}, UpsertOptions{})

	upsert("Task", map[string]any{
		"id": 900, "content": "animate",
		"entity":         map[string]any{"type": "Shot", "id": 101},
		"task_assignees": []any{map[string]any{"type": "HumanUser", "id": 1}},
	}, UpsertOptions{})
	upsert("Task", map[string]any{
		"id": 901, "content": "comp",
		"entity":         map[string]any{"type": "Shot", "id": 102},
		"task_assignees": []any{map[string]any{"type": "HumanUser", "id": 2}},
	}, UpsertOptions{})
	upsert("Task", map[string]any{
		"id": 902, "content": "rig",
		"entity":         map[string]any{"type": "Shot", "id": 101},
		"task_assignees": []any{},
	}, UpsertOptions{})
	upsert("Task", map[string]any{"id": 903, "content": "plan", "entity": nil}, UpsertOptions{})
}

func readIDs(t *testing.T, c *Cache, req *shotgun.ReadRequest) []int64 {
	t.Helper()
	req.Sorts = append(req.Sorts, shotgun.Sort{FieldName: "id"})
	res, err := c.Read(context.Background(), req)
	require.NoError(t, err)
	ids := make([]int64, 0, len(res.Entities))
	for _, e := range res.Entities {
		id, ok := e.ID()
		require.True(t, ok)
		ids = append(ids, id)
	}
	return ids
}

func TestReadBasicFilter(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	res, err := c.Read(context.Background(), &shotgun.ReadRequest{
		Type:         "Shot",
		Filters:      shotgun.And(shotgun.Cond("code", "is", "sh_010")),
		ReturnFields: []string{"code", "sg_status_list", "frame_count"},
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	e := res.Entities[0]
	assert.Equal(t, "Shot", e.TypeName())
	id, _ := e.ID()
	assert.Equal(t, int64(101), id)
	assert.Equal(t, "sh_010", e["code"])
	assert.Equal(t, "ip", e["sg_status_list"])
	count, _ := shotgun.AsInt64(e["frame_count"])
	assert.Equal(t, int64(24), count)
}

func TestReadDeepReturnField(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	res, err := c.Read(context.Background(), &shotgun.ReadRequest{
		Type:         "Task",
		Filters:      shotgun.And(),
		ReturnFields: []string{"content", "entity", "entity.Shot.code"},
		Sorts:        []shotgun.Sort{{FieldName: "id"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 4)

	byID := map[int64]shotgun.Entity{}
	for _, e := range res.Entities {
		id, _ := e.ID()
		byID[id] = e
	}
	assert.Equal(t, "sh_010", byID[900]["entity.Shot.code"])
	assert.Equal(t, shotgun.Ref("Shot", 101), byID[900]["entity"])
	assert.Equal(t, "sh_020", byID[901]["entity.Shot.code"])

	// A null reference means the join failed; the deep key is absent,
	// not null.
	_, present := byID[903]["entity.Shot.code"]
	assert.False(t, present)
	assert.Nil(t, byID[903]["entity"])
}

func TestReadDeepEntityFilter(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:         "Shot",
		Filters:      shotgun.And(shotgun.Cond("sg_sequence.Sequence.code", "is", "AA")),
		ReturnFields: []string{"code"},
	})
	assert.Equal(t, []int64{101}, ids)
}

func TestReadMultiEntityReturn(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	res, err := c.Read(context.Background(), &shotgun.ReadRequest{
		Type:         "Task",
		Filters:      shotgun.And(shotgun.Cond("id", "in", 900, 902)),
		ReturnFields: []string{"task_assignees"},
		Sorts:        []shotgun.Sort{{FieldName: "id"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)

	assignees, ok := res.Entities[0]["task_assignees"].([]shotgun.Entity)
	require.True(t, ok)
	require.Len(t, assignees, 1)
	assert.Equal(t, shotgun.Ref("HumanUser", 1), assignees[0])

	empty, ok := res.Entities[1]["task_assignees"].([]shotgun.Entity)
	require.True(t, ok)
	assert.Empty(t, empty)
}

func TestReadDeepMultiEntityFilter(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:         "Task",
		Filters:      shotgun.And(shotgun.Cond("task_assignees.HumanUser.login", "is", "alice")),
		ReturnFields: []string{"content"},
	})
	assert.Equal(t, []int64{900}, ids)
}

func TestReadDeepMultiEntityFilterNegated(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	// Negation lifts outside the EXISTS: tasks with no matching
	// assignee at all qualify, including tasks with no assignees.
	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:         "Task",
		Filters:      shotgun.And(shotgun.Cond("task_assignees.HumanUser.login", "is_not", "alice")),
		ReturnFields: []string{"content"},
	})
	assert.Equal(t, []int64{901, 902, 903}, ids)
}

func TestReadEntityFilterNull(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(shotgun.Cond("sg_sequence", "is", nil)),
	})
	assert.Equal(t, []int64{103, 110, 111}, ids)
}

func TestReadEntityFilterNotInMatchesNull(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type: "Shot",
		Filters: shotgun.And(
			shotgun.Cond("code", "starts_with", "sh_"),
			shotgun.Cond("sg_sequence", "not_in", map[string]any{"type": "Sequence", "id": 5}),
		),
	})
	// 102 points elsewhere, 103 has no sequence at all.
	assert.Equal(t, []int64{102, 103}, ids)
}

func TestReadTextLikeEscaping(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(shotgun.Cond("code", "is", "50% done")),
	})
	assert.Equal(t, []int64{110}, ids, "%% must not act as a wildcard")
}

func TestReadRetiredRows(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	active := readIDs(t, c, &shotgun.ReadRequest{Type: "Shot", Filters: shotgun.And()})
	assert.NotContains(t, active, int64(104))

	retired := readIDs(t, c, &shotgun.ReadRequest{
		Type: "Shot", Filters: shotgun.And(), ReturnOnly: "retired",
	})
	assert.Equal(t, []int64{104}, retired)
}

func TestReadPagingAndEntityCount(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	res, err := c.Read(context.Background(), &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(),
		Paging:  shotgun.Paging{CurrentPage: 1, EntitiesPerPage: 2},
		Sorts:   []shotgun.Sort{{FieldName: "id"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	// A full page claims more than another full page remains so clients
	// keep paging.
	assert.Equal(t, 5, res.PagingInfo.EntityCount)

	res, err = c.Read(context.Background(), &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(),
		Paging:  shotgun.Paging{CurrentPage: 3, EntitiesPerPage: 2},
		Sorts:   []shotgun.Sort{{FieldName: "id"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 5, res.PagingInfo.EntityCount)
}

func TestReadEntityCountMidwayPages(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	res, err := c.Read(context.Background(), &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(),
		Paging:  shotgun.Paging{CurrentPage: 2, EntitiesPerPage: 2},
		Sorts:   []shotgun.Sort{{FieldName: "id"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	// offset + page + (page size + 1): 2 + 2 + 3.
	assert.Equal(t, 7, res.PagingInfo.EntityCount)
}

func TestReadEntityInWithNull(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	// Null in the list matches unset references alongside the real one.
	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type: "Shot",
		Filters: shotgun.And(
			shotgun.Cond("sg_sequence", "in", nil, map[string]any{"type": "Sequence", "id": 5}),
		),
	})
	assert.Equal(t, []int64{101, 103, 110, 111}, ids)
}

func TestReadEntityNotInWithNull(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	// When null is listed, the negation excludes unset references
	// rather than OR-ing them back in.
	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type: "Shot",
		Filters: shotgun.And(
			shotgun.Cond("sg_sequence", "not_in", nil, map[string]any{"type": "Sequence", "id": 5}),
		),
	})
	assert.Equal(t, []int64{102}, ids)
}

func TestReadEntityTypeFilter(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(shotgun.Cond("sg_sequence", "type_is", "Sequence")),
	})
	assert.Equal(t, []int64{101, 102}, ids)

	ids = readIDs(t, c, &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(shotgun.Cond("sg_sequence", "type_is_not", "Sequence")),
	})
	assert.Equal(t, []int64{103, 110, 111}, ids, "null references match the negation")
}

func TestReadMultiEntityTypeFilter(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:    "Task",
		Filters: shotgun.And(shotgun.Cond("task_assignees", "type_is", "HumanUser")),
	})
	assert.Equal(t, []int64{900, 901}, ids)

	ids = readIDs(t, c, &shotgun.ReadRequest{
		Type:    "Task",
		Filters: shotgun.And(shotgun.Cond("task_assignees", "type_is_not", "HumanUser")),
	})
	assert.Equal(t, []int64{902, 903}, ids, "memberless rows match the negation")
}

func TestReadNotBetween(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	ids := readIDs(t, c, &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(shotgun.Cond("frame_count", "not_between", 30, 100)),
	})
	// 24 is outside the range; null counts match the negation.
	assert.Equal(t, []int64{101, 103, 110, 111}, ids)
}

func TestReadEmptyValuesFaultInsteadOfPanic(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)
	ctx := context.Background()

	for _, relation := range []string{"greater_than", "less_than", "starts_with", "ends_with", "is"} {
		_, err := c.Read(ctx, &shotgun.ReadRequest{
			Type:    "Shot",
			Filters: shotgun.And(shotgun.Cond("code", relation)),
		})
		require.Error(t, err, relation)
		_, ok := AsFault(err)
		assert.True(t, ok, "%s with no values must be a client fault: %v", relation, err)
	}
}

func TestReadSortDescending(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)

	res, err := c.Read(context.Background(), &shotgun.ReadRequest{
		Type:    "Shot",
		Filters: shotgun.And(shotgun.Cond("frame_count", "is_not", nil)),
		Sorts:   []shotgun.Sort{{FieldName: "frame_count", Direction: "desc"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	first, _ := res.Entities[0].ID()
	assert.Equal(t, int64(102), first)
}

func TestReadPassthroughs(t *testing.T) {
	c := openTestCache(t)
	seedReadFixtures(t, c)
	ctx := context.Background()

	cases := []*shotgun.ReadRequest{
		{Type: "Asset", Filters: shotgun.And()},
		{Type: "Shot", Filters: shotgun.And(), ReturnFields: []string{"sg_cut_in"}},
		{Type: "Shot", Filters: shotgun.And(shotgun.Cond("created_by", "is", "x"))},
		{Type: "Shot", Filters: shotgun.And(shotgun.Cond("frame_count", "in_calendar_day", 0))},
	}
	for i, req := range cases {
		_, err := c.Read(ctx, req)
		require.Error(t, err, "case %d", i)
		_, ok := AsPassthrough(err)
		assert.True(t, ok, "case %d: %v", i, err)
	}
}
