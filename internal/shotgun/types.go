// Package shotgun speaks the upstream API3 dialect: the JSON wire
// shapes used by read/create/update/batch requests, and a client that
// performs one remote call per method.
package shotgun

import (
	"encoding/json"
	"fmt"
)

// ReadRequest is the payload of an API3 "read" call.
type ReadRequest struct {
	Type         string      `json:"type"`
	Filters      FilterGroup `json:"filters"`
	ReturnFields []string    `json:"return_fields"`
	Paging       Paging      `json:"paging"`
	Sorts        []Sort      `json:"sorts,omitempty"`
	ReturnOnly   string      `json:"return_only,omitempty"`
}

// Paging selects one page of results.
type Paging struct {
	CurrentPage     int `json:"current_page"`
	EntitiesPerPage int `json:"entities_per_page"`
}

// Sort orders results by one field path.
type Sort struct {
	FieldName string `json:"field_name"`
	Direction string `json:"direction,omitempty"`
}

// FilterGroup combines conditions with a logical operator ("and"/"or").
type FilterGroup struct {
	LogicalOperator string      `json:"logical_operator"`
	Conditions      []Condition `json:"conditions"`
}

// Condition is either a leaf {path, relation, values} or a nested
// FilterGroup; exactly one of Group or the leaf fields is set.
type Condition struct {
	Group *FilterGroup

	Path     string
	Relation string
	Values   []any
}

// Cond builds a leaf condition.
func Cond(path, relation string, values ...any) Condition {
	return Condition{Path: path, Relation: relation, Values: values}
}

// And groups conditions under a logical "and".
func And(conditions ...Condition) FilterGroup {
	return FilterGroup{LogicalOperator: "and", Conditions: conditions}
}

// Or groups conditions under a logical "or".
func Or(conditions ...Condition) FilterGroup {
	return FilterGroup{LogicalOperator: "or", Conditions: conditions}
}

type leafCondition struct {
	Path     string `json:"path"`
	Relation string `json:"relation"`
	Values   []any  `json:"values"`
}

// UnmarshalJSON decides between leaf and nested group by the presence
// of a "conditions" key, matching the upstream dialect.
func (c *Condition) UnmarshalJSON(raw []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return err
	}
	if _, nested := probe["conditions"]; nested {
		var g FilterGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		*c = Condition{Group: &g}
		return nil
	}
	var leaf leafCondition
	if err := json.Unmarshal(raw, &leaf); err != nil {
		return err
	}
	*c = Condition{Path: leaf.Path, Relation: leaf.Relation, Values: leaf.Values}
	return nil
}

// MarshalJSON emits the wire shape of the condition.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Group != nil {
		return json.Marshal(c.Group)
	}
	values := c.Values
	if values == nil {
		values = []any{}
	}
	return json.Marshal(leafCondition{Path: c.Path, Relation: c.Relation, Values: values})
}

// Entity is a loosely typed entity record as returned by the API.
type Entity map[string]any

// TypeName returns the entity's type, if present.
func (e Entity) TypeName() string {
	s, _ := e["type"].(string)
	return s
}

// ID returns the entity's integer id, if present.
func (e Entity) ID() (int64, bool) {
	return AsInt64(e["id"])
}

// AsInt64 coerces JSON and database number representations to int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Ref returns an entity reference value, the {type, id} shape used all
// over the wire API.
func Ref(typeName string, id int64) Entity {
	return Entity{"type": typeName, "id": id}
}

// ReadResult is the result of a "read" call.
type ReadResult struct {
	Entities   []Entity   `json:"entities"`
	PagingInfo PagingInfo `json:"paging_info"`
}

// PagingInfo carries the (possibly fabricated) total entity count.
type PagingInfo struct {
	EntityCount int `json:"entity_count"`
}

// FieldValue is one {field_name, value} pair of a create/update payload.
type FieldValue struct {
	FieldName string `json:"field_name"`
	Value     any    `json:"value"`
}

// CreateRequest is the payload of an API3 "create" call.
type CreateRequest struct {
	Type         string       `json:"type"`
	Fields       []FieldValue `json:"fields"`
	ReturnFields []string     `json:"return_fields"`
}

// UpdateRequest is the payload of an API3 "update" call.
type UpdateRequest struct {
	Type         string       `json:"type"`
	ID           int64        `json:"id"`
	Fields       []FieldValue `json:"fields"`
	ReturnFields []string     `json:"return_fields,omitempty"`
}

// DeleteRequest is the payload of "delete" and "revive" calls.
type DeleteRequest struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// FieldMap flattens a fields list into a map.
func FieldMap(fields []FieldValue) map[string]any {
	m := make(map[string]any, len(fields))
	for _, fv := range fields {
		m[fv.FieldName] = fv.Value
	}
	return m
}

// Fault is an error response from the upstream dialect; it is returned
// with HTTP status 200 and an {exception: true} body.
type Fault struct {
	Code    int    `json:"error_code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("shotgun fault %d: %s", f.Code, f.Message)
}
