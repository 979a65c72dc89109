package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westernx/sgcache/internal/schema"
)

const testSchemaYAML = `
Project:
  name: text
Shot:
  code: text
  description: text
  sg_status_list: status_list
  frame_count: number
  sg_sequence: {data_type: entity, entity_types: [Sequence]}
  project: {data_type: entity, entity_types: [Project]}
  updated_at: date_time
Sequence:
  code: text
  project: {data_type: entity, entity_types: [Project]}
Task:
  content: text
  entity: {data_type: entity, entity_types: [Shot]}
  task_assignees: {data_type: multi_entity, entity_types: [HumanUser]}
HumanUser:
  login: text
  name: text
`

func testSchema(t *testing.T) schema.Schema {
	t.Helper()
	sch, err := schema.Parse([]byte(testSchemaYAML))
	require.NoError(t, err)
	return sch
}

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(context.Background(), ":memory:", testSchema(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenCreatesTables(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	cols, err := tableColumns(ctx, c.DB(), "shot")
	require.NoError(t, err)
	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "code")
	assert.Contains(t, cols, "sg_sequence__type")
	assert.Contains(t, cols, "sg_sequence__id")
	assert.Contains(t, cols, "_active")
	assert.Contains(t, cols, "_cache_created_at")
	assert.Contains(t, cols, "_cache_updated_at")
	assert.Contains(t, cols, "_last_log_event_id")

	assocCols, err := tableColumns(ctx, c.DB(), "task_task_assignees")
	require.NoError(t, err)
	assert.Contains(t, assocCols, "parent_id")
	assert.Contains(t, assocCols, "child_type")
	assert.Contains(t, assocCols, "child_id")
}

func TestMigrationAddsColumns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.sqlite")

	first, err := schema.Parse([]byte("Shot:\n  code: text\n"))
	require.NoError(t, err)
	c, err := Open(ctx, path, first, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	second, err := schema.Parse([]byte("Shot:\n  code: text\n  frame_count: number\n"))
	require.NoError(t, err)
	c, err = Open(ctx, path, second, nil)
	require.NoError(t, err)
	defer c.Close()

	cols, err := tableColumns(ctx, c.DB(), "shot")
	require.NoError(t, err)
	assert.Contains(t, cols, "frame_count")
}

func TestMigrationRejectsTypeChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.sqlite")

	first, err := schema.Parse([]byte("Shot:\n  code: text\n"))
	require.NoError(t, err)
	c, err := Open(ctx, path, first, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	second, err := schema.Parse([]byte("Shot:\n  code: number\n"))
	require.NoError(t, err)
	_, err = Open(ctx, path, second, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")
}

func TestTypeLookupPassthrough(t *testing.T) {
	c := openTestCache(t)
	_, err := c.Type("Asset")
	require.Error(t, err)
	_, ok := AsPassthrough(err)
	assert.True(t, ok)
}

func TestLastEventID(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	_, ok, err := c.LastEventID(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.CreateOrUpdate(ctx, "Shot", map[string]any{"id": 1}, UpsertOptions{EventID: 40})
	require.NoError(t, err)
	_, err = c.CreateOrUpdate(ctx, "Task", map[string]any{"id": 2}, UpsertOptions{EventID: 55})
	require.NoError(t, err)

	id, ok, err := c.LastEventID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(55), id)
}
