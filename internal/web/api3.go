package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/westernx/sgcache/internal/cache"
	"github.com/westernx/sgcache/internal/shotgun"
)

// Version is reported in the info response so clients (and humans) can
// tell they are talking to the cache.
var Version = []int{1, 0, 0}

type rpcCall struct {
	MethodName string            `json:"method_name"`
	Params     []json.RawMessage `json:"params"`
}

func (r *rpcCall) auth() json.RawMessage {
	if len(r.Params) > 0 {
		return r.Params[0]
	}
	return json.RawMessage("null")
}

func (r *rpcCall) payload() json.RawMessage {
	if len(r.Params) > 1 {
		return r.Params[1]
	}
	return nil
}

// completer finishes one forwarded request: it receives the upstream
// results and returns what the client should see, usually after
// writing through to the cache.
type completer func(ctx context.Context, results json.RawMessage) (any, error)

// handleAPI3 is the single API3 endpoint. Reads are answered locally
// whenever the cache can; writes are forwarded first and their
// responses written through; everything else passes through verbatim.
func (s *Server) handleAPI3(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	var call rpcCall
	if err := json.Unmarshal(body, &call); err != nil {
		// Not a shape we understand; the upstream server gets to decide.
		return s.forwardVerbatim(c, body)
	}

	start := time.Now()
	log := s.logger.WithFields(logrus.Fields{
		"request": uuid.NewString()[:8],
		"method":  call.MethodName,
	})

	result, err := s.dispatch(c.Request().Context(), &call)
	elapsed := time.Since(start).Round(time.Millisecond)
	switch {
	case err == nil:
		log.WithField("elapsed", elapsed).Info("served")
		return c.JSON(http.StatusOK, map[string]any{"results": result})
	default:
		if fault, ok := cache.AsFault(err); ok {
			log.WithField("elapsed", elapsed).WithField("fault", fault.Code).Info("faulted")
			return c.JSON(http.StatusOK, map[string]any{
				"exception":  true,
				"error_code": fault.Code,
				"message":    fault.Message,
			})
		}
		if p, ok := cache.AsPassthrough(err); ok {
			log.WithFields(logrus.Fields{"elapsed": elapsed, "reason": p.Reason}).Info("passing through")
			return s.forwardVerbatim(c, body)
		}
		log.WithError(err).WithField("elapsed", elapsed).Error("request failed")
		return c.JSON(http.StatusOK, map[string]any{
			"exception":  true,
			"error_code": 0,
			"message":    "internal cache error",
		})
	}
}

func (s *Server) dispatch(ctx context.Context, call *rpcCall) (any, error) {
	switch call.MethodName {
	case "info":
		return s.methodInfo(ctx)
	case "read":
		return s.methodRead(ctx, call)
	case "create":
		return s.methodCreate(ctx, call)
	case "update":
		return s.methodUpdate(ctx, call)
	case "delete":
		return s.methodDelete(ctx, call, false)
	case "revive":
		return s.methodDelete(ctx, call, true)
	case "batch":
		return s.methodBatch(ctx, call)
	default:
		return nil, &cache.Passthrough{Reason: fmt.Sprintf("method %q is not handled locally", call.MethodName)}
	}
}

// forwardVerbatim streams the original request to the upstream server
// and its response straight back.
func (s *Server) forwardVerbatim(c echo.Context, body []byte) error {
	raw, err := s.client.CallRaw(c.Request().Context(), body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSONBlob(http.StatusOK, raw)
}

// forward sends one rewritten call upstream under the caller's own
// credentials and returns the results, mapping upstream exceptions to
// faults.
func (s *Server) forward(ctx context.Context, method string, auth json.RawMessage, payload any) (json.RawMessage, error) {
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"method_name": method,
		"params":      []json.RawMessage{auth, payloadRaw},
	})
	if err != nil {
		return nil, err
	}
	raw, err := s.client.CallRaw(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", method, err)
	}
	var env struct {
		Exception bool            `json:"exception"`
		ErrorCode int             `json:"error_code"`
		Message   string          `json:"message"`
		Results   json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("forward %s: %w", method, err)
	}
	if env.Exception {
		return nil, &cache.Fault{Code: env.ErrorCode, Message: env.Message}
	}
	return env.Results, nil
}

func (s *Server) methodInfo(ctx context.Context) (any, error) {
	info := map[string]any{}
	if upstream, err := s.client.Info(ctx); err == nil {
		info = upstream
	} else {
		s.logger.WithError(err).Warn("upstream info unavailable")
	}
	info["sgcache"] = true
	info["sgcache_version"] = Version
	info["s3_uploads_enabled"] = false
	return info, nil
}

func (s *Server) methodRead(ctx context.Context, call *rpcCall) (any, error) {
	var req shotgun.ReadRequest
	if err := json.Unmarshal(call.payload(), &req); err != nil {
		return nil, &cache.Passthrough{Reason: "unreadable read payload"}
	}
	return s.cache.Read(ctx, &req)
}

// returnFieldsFor unions the client's requested fields with every
// field the cache holds, so write-through responses refresh the whole
// row.
func returnFieldsFor(et *cache.EntityType, requested []string) []string {
	seen := make(map[string]bool)
	for _, f := range et.FieldNames() {
		seen[f] = true
	}
	for _, f := range requested {
		seen[f] = true
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// trimEntity cuts a full response down to what the client asked for.
// type and id always survive.
func trimEntity(entity shotgun.Entity, requested []string) shotgun.Entity {
	keep := map[string]bool{"type": true, "id": true}
	for _, f := range requested {
		keep[f] = true
	}
	trimmed := make(shotgun.Entity, len(keep))
	for k, v := range entity {
		if keep[k] {
			trimmed[k] = v
		}
	}
	return trimmed
}

// prepareCreate rewrites a create request for forwarding and returns
// the completion that writes the response through and trims it. A type
// the cache does not hold is forwarded untouched.
func (s *Server) prepareCreate(req shotgun.CreateRequest) (any, completer) {
	et, err := s.cache.Type(req.Type)
	if err != nil {
		return req, s.identityCompleter()
	}
	requested := req.ReturnFields
	if len(requested) == 0 {
		requested = []string{"id"}
	}
	forwarded := req
	forwarded.ReturnFields = returnFieldsFor(et, requested)

	return forwarded, func(ctx context.Context, results json.RawMessage) (any, error) {
		var entity shotgun.Entity
		if err := json.Unmarshal(results, &entity); err != nil {
			return nil, fmt.Errorf("create response: %w", err)
		}
		if _, err := s.cache.CreateOrUpdate(ctx, req.Type, entity, cache.UpsertOptions{}); err != nil {
			return nil, err
		}
		s.harvestTemplateTasks(ctx, req, entity)
		return trimEntity(entity, requested), nil
	}
}

// harvestTemplateTasks pulls in the tasks a task template spawned
// alongside a new shot; they were created upstream without any event
// the client will wait for.
func (s *Server) harvestTemplateTasks(ctx context.Context, req shotgun.CreateRequest, entity shotgun.Entity) {
	if req.Type != "Shot" {
		return
	}
	hasTemplate := false
	for _, fv := range req.Fields {
		if fv.FieldName == "task_template" && fv.Value != nil {
			hasTemplate = true
			break
		}
	}
	if !hasTemplate {
		return
	}
	taskType, err := s.cache.Type("Task")
	if err != nil {
		return
	}
	id, ok := entity.ID()
	if !ok {
		return
	}
	tasks, err := s.client.Find(ctx, "Task",
		shotgun.And(shotgun.Cond("entity", "is", map[string]any{"type": "Shot", "id": id})),
		taskType.FieldNames(), shotgun.FindOptions{})
	if err != nil {
		s.logger.WithError(err).Warn("template task harvest failed")
		return
	}
	for _, task := range tasks {
		if _, err := s.cache.CreateOrUpdate(ctx, "Task", task, cache.UpsertOptions{}); err != nil {
			s.logger.WithError(err).Warn("template task write failed")
			return
		}
	}
}

func (s *Server) identityCompleter() completer {
	return func(ctx context.Context, results json.RawMessage) (any, error) {
		var v any
		if err := json.Unmarshal(results, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func (s *Server) methodCreate(ctx context.Context, call *rpcCall) (any, error) {
	var req shotgun.CreateRequest
	if err := json.Unmarshal(call.payload(), &req); err != nil {
		return nil, &cache.Passthrough{Reason: "unreadable create payload"}
	}
	forwarded, complete := s.prepareCreate(req)
	results, err := s.forward(ctx, "create", call.auth(), forwarded)
	if err != nil {
		return nil, err
	}
	return complete(ctx, results)
}

// prepareUpdate forwards an update untouched and writes the changed
// fields through from the response.
func (s *Server) prepareUpdate(req shotgun.UpdateRequest) (any, completer) {
	if _, err := s.cache.Type(req.Type); err != nil {
		return req, s.identityCompleter()
	}
	return req, func(ctx context.Context, results json.RawMessage) (any, error) {
		var entity shotgun.Entity
		if err := json.Unmarshal(results, &entity); err != nil {
			return nil, fmt.Errorf("update response: %w", err)
		}
		if _, ok := entity["id"]; !ok {
			entity["id"] = req.ID
		}
		if _, err := s.cache.CreateOrUpdate(ctx, req.Type, entity, cache.UpsertOptions{}); err != nil {
			return nil, err
		}
		return entity, nil
	}
}

func (s *Server) methodUpdate(ctx context.Context, call *rpcCall) (any, error) {
	var req shotgun.UpdateRequest
	if err := json.Unmarshal(call.payload(), &req); err != nil {
		return nil, &cache.Passthrough{Reason: "unreadable update payload"}
	}
	forwarded, complete := s.prepareUpdate(req)
	results, err := s.forward(ctx, "update", call.auth(), forwarded)
	if err != nil {
		return nil, err
	}
	return complete(ctx, results)
}

// prepareDelete forwards a delete or revive and mirrors the activity
// change locally once the upstream confirms it.
func (s *Server) prepareDelete(req shotgun.DeleteRequest, revive bool) (any, completer) {
	return req, func(ctx context.Context, results json.RawMessage) (any, error) {
		var ok bool
		if err := json.Unmarshal(results, &ok); err != nil {
			return nil, fmt.Errorf("delete response: %w", err)
		}
		if ok {
			if _, err := s.cache.Type(req.Type); err == nil {
				var activityErr error
				if revive {
					_, activityErr = s.cache.Revive(ctx, req.Type, req.ID, false, 0)
				} else {
					_, activityErr = s.cache.Retire(ctx, req.Type, req.ID, false, 0)
				}
				if activityErr != nil {
					return nil, activityErr
				}
			}
		}
		return ok, nil
	}
}

func (s *Server) methodDelete(ctx context.Context, call *rpcCall, revive bool) (any, error) {
	var req shotgun.DeleteRequest
	if err := json.Unmarshal(call.payload(), &req); err != nil {
		return nil, &cache.Passthrough{Reason: "unreadable delete payload"}
	}
	method := "delete"
	if revive {
		method = "revive"
	}
	forwarded, complete := s.prepareDelete(req, revive)
	results, err := s.forward(ctx, method, call.auth(), forwarded)
	if err != nil {
		return nil, err
	}
	return complete(ctx, results)
}

// batchItem is one request of a batch call.
type batchItem struct {
	RequestType  string               `json:"request_type"`
	EntityType   string               `json:"entity_type"`
	EntityID     int64                `json:"entity_id"`
	Fields       []shotgun.FieldValue `json:"fields"`
	ReturnFields []string             `json:"return_fields"`
}

// methodBatch rewrites each batched write like its standalone
// counterpart, makes a single upstream round trip, then completes each
// item against its slice of the results.
func (s *Server) methodBatch(ctx context.Context, call *rpcCall) (any, error) {
	var rawItems []json.RawMessage
	if err := json.Unmarshal(call.payload(), &rawItems); err != nil {
		return nil, &cache.Passthrough{Reason: "unreadable batch payload"}
	}

	forwarded := make([]any, len(rawItems))
	completers := make([]completer, len(rawItems))
	for i, rawItem := range rawItems {
		var item batchItem
		if err := json.Unmarshal(rawItem, &item); err != nil {
			return nil, &cache.Passthrough{Reason: "unreadable batch item"}
		}
		switch item.RequestType {
		case "create":
			payload, complete := s.prepareCreate(shotgun.CreateRequest{
				Type:         item.EntityType,
				Fields:       item.Fields,
				ReturnFields: item.ReturnFields,
			})
			forwarded[i] = batchPayload(rawItem, "create", payload)
			completers[i] = complete
		case "update":
			payload, complete := s.prepareUpdate(shotgun.UpdateRequest{
				Type:   item.EntityType,
				ID:     item.EntityID,
				Fields: item.Fields,
			})
			forwarded[i] = batchPayload(rawItem, "update", payload)
			completers[i] = complete
		case "delete":
			payload, complete := s.prepareDelete(shotgun.DeleteRequest{
				Type: item.EntityType,
				ID:   item.EntityID,
			}, false)
			forwarded[i] = batchPayload(rawItem, "delete", payload)
			completers[i] = complete
		default:
			return nil, &cache.Passthrough{Reason: fmt.Sprintf("batch request_type %q", item.RequestType)}
		}
	}

	results, err := s.forward(ctx, "batch", call.auth(), forwarded)
	if err != nil {
		return nil, err
	}
	var rawResults []json.RawMessage
	if err := json.Unmarshal(results, &rawResults); err != nil {
		return nil, fmt.Errorf("batch response: %w", err)
	}
	if len(rawResults) != len(completers) {
		return nil, fmt.Errorf("batch response has %d results for %d requests", len(rawResults), len(completers))
	}
	replies := make([]any, len(rawResults))
	for i, rawResult := range rawResults {
		reply, err := completers[i](ctx, rawResult)
		if err != nil {
			return nil, err
		}
		replies[i] = reply
	}
	return replies, nil
}

// batchPayload folds a rewritten standalone payload back into the
// batch item shape, preserving any extra keys the client sent.
func batchPayload(original json.RawMessage, requestType string, payload any) map[string]any {
	item := map[string]any{}
	json.Unmarshal(original, &item)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return item
	}
	rewritten := map[string]any{}
	if err := json.Unmarshal(encoded, &rewritten); err != nil {
		return item
	}
	item["request_type"] = requestType
	item["entity_type"] = rewritten["type"]
	if fields, ok := rewritten["fields"]; ok {
		item["fields"] = fields
	}
	if rf, ok := rewritten["return_fields"]; ok {
		item["return_fields"] = rf
	}
	if id, ok := rewritten["id"]; ok {
		item["entity_id"] = id
	}
	return item
}
