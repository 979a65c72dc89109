// Package follower tails the upstream event log and applies each event
// to the cache, keeping it current within seconds of upstream writes.
package follower

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/westernx/sgcache/internal/cache"
	"github.com/westernx/sgcache/internal/control"
	"github.com/westernx/sgcache/internal/shotgun"
)

const (
	batchSize = 500

	// ioRetryDelay is slept after an upstream failure before the next
	// attempt; escalateAfter is how often repeated failure is promoted
	// from a warning to an error.
	ioRetryDelay  = 10 * time.Second
	escalateAfter = 10 * time.Minute

	// maxEventAttempts bounds how often one bad event is retried before
	// it is skipped so it cannot wedge the whole log.
	maxEventAttempts = 3
)

// Seed says where to start reading the log.
type Seed struct {
	// EventID starts right after a specific event. Negative means
	// unset.
	EventID int64

	// AutoLastID derives the start from the newest event id recorded in
	// the cache, falling back to the log's tail.
	AutoLastID bool
}

// Follower reads the event log in id order and applies each event.
type Follower struct {
	cache  *cache.Cache
	client *shotgun.Client
	logger *logrus.Entry

	seed     Seed
	seeded   bool
	lastID   int64
	lastTime string

	failingSince  time.Time
	lastEscalated time.Time

	attempts map[int64]int
}

// New builds a follower. The seed is resolved lazily on the first
// iteration so the upstream does not need to be reachable at
// construction time.
func New(c *cache.Cache, client *shotgun.Client, seed Seed, logger *logrus.Entry) *Follower {
	if logger == nil {
		logger = logrus.WithField("subsystem", "events")
	}
	return &Follower{
		cache:    c,
		client:   client,
		logger:   logger,
		seed:     seed,
		attempts: make(map[int64]int),
	}
}

// LastID returns the id of the last event processed.
func (f *Follower) LastID() int64 {
	return f.lastID
}

// LastTime returns the creation time of the last event processed, as
// its wire string. Empty until the first event.
func (f *Follower) LastTime() string {
	return f.lastTime
}

// returnFields lists what each event must carry, including the owning
// entity's updated_at so change events refresh it in the cache.
func (f *Follower) returnFields() []string {
	fields := []string{"id", "event_type", "entity", "project", "meta", "created_at", "user"}
	for _, typeName := range f.cache.TypeNames() {
		fields = append(fields, "entity."+typeName+".updated_at")
	}
	return fields
}

// Iterate processes one batch of events. Upstream I/O failures are
// absorbed with a delay and escalating log noise so a flaky upstream
// never kills the loop.
func (f *Follower) Iterate(ctx context.Context) error {
	if !f.seeded {
		if err := f.resolveSeed(ctx); err != nil {
			f.reportFailure(err)
			return control.Sleep(ctx, ioRetryDelay)
		}
		f.seeded = true
	}

	// The id is the primary cursor; the creation time covers seeds
	// that only know when the cache was last touched.
	filters := shotgun.And(shotgun.Cond("id", "greater_than", f.lastID))
	if f.lastID == 0 && f.lastTime != "" {
		filters = shotgun.And(shotgun.Cond("created_at", "greater_than", f.lastTime))
	}
	events, err := f.client.Find(ctx, "EventLogEntry",
		filters,
		f.returnFields(),
		shotgun.FindOptions{
			PerPage: batchSize,
			Limit:   batchSize,
			Sorts:   []shotgun.Sort{{FieldName: "id"}},
		})
	if err != nil {
		f.reportFailure(err)
		return control.Sleep(ctx, ioRetryDelay)
	}
	f.clearFailure()

	for _, raw := range events {
		id, ok := raw.ID()
		if !ok {
			continue
		}
		if err := f.apply(ctx, raw); err != nil {
			f.attempts[id]++
			if f.attempts[id] < maxEventAttempts {
				f.logger.WithError(err).WithField("event", id).Warn("event failed; will retry")
				return control.Sleep(ctx, ioRetryDelay)
			}
			f.logger.WithError(err).WithField("event", id).Error("event failed repeatedly; skipping")
		}
		delete(f.attempts, id)
		f.lastID = id
		if created, ok := raw["created_at"].(string); ok && created > f.lastTime {
			f.lastTime = created
		}
	}
	return nil
}

func (f *Follower) resolveSeed(ctx context.Context) error {
	if f.seed.EventID >= 0 {
		f.lastID = f.seed.EventID
		f.logger.WithField("last_id", f.lastID).Info("seeded from explicit event id")
		return nil
	}
	if f.seed.AutoLastID {
		id, idOK, err := f.cache.LastEventID(ctx)
		if err != nil {
			return err
		}
		updated, timeOK, err := f.cache.LastUpdatedAt(ctx)
		if err != nil {
			return err
		}
		if timeOK {
			f.lastTime = updated.UTC().Format("2006-01-02T15:04:05Z")
		}
		if idOK {
			f.lastID = id
			f.logger.WithField("last_id", f.lastID).Info("seeded from cached event id")
			return nil
		}
		if timeOK {
			f.logger.WithField("last_time", f.lastTime).Info("seeded from cached update time")
			return nil
		}
	}
	// Tail: start after whatever the newest event is right now.
	latest, err := f.client.FindOne(ctx, "EventLogEntry", shotgun.And(), []string{"id"},
		shotgun.FindOptions{Sorts: []shotgun.Sort{{FieldName: "id", Direction: "desc"}}})
	if err != nil {
		return err
	}
	if latest != nil {
		f.lastID, _ = latest.ID()
	}
	f.logger.WithField("last_id", f.lastID).Info("seeded from log tail")
	return nil
}

func (f *Follower) reportFailure(err error) {
	now := time.Now()
	if f.failingSince.IsZero() {
		f.failingSince = now
		f.lastEscalated = now
	}
	entry := f.logger.WithError(err).WithField("failing_for", now.Sub(f.failingSince).Round(time.Second))
	if now.Sub(f.lastEscalated) >= escalateAfter {
		f.lastEscalated = now
		entry.Error("event log unavailable")
		return
	}
	entry.Warn("event log unavailable")
}

func (f *Follower) clearFailure() {
	if !f.failingSince.IsZero() {
		f.logger.WithField("down_for", time.Since(f.failingSince).Round(time.Second)).Info("event log recovered")
	}
	f.failingSince = time.Time{}
	f.lastEscalated = time.Time{}
}

// event is one parsed log entry.
type event struct {
	id         int64
	domain     string
	entityType string
	subtype    string
	entity     shotgun.Entity
	meta       map[string]any
	raw        shotgun.Entity
}

// parseEvent splits event_type into domain, entity type and subtype.
// The shape is {Domain}_{EntityType}_{Subtype}; entity type names may
// themselves contain underscores, so the subtype is taken from the
// end.
func parseEvent(raw shotgun.Entity) (*event, error) {
	id, ok := raw.ID()
	if !ok {
		return nil, fmt.Errorf("event has no id")
	}
	eventType, _ := raw["event_type"].(string)
	first := strings.Index(eventType, "_")
	last := strings.LastIndex(eventType, "_")
	if first < 0 || last <= first {
		return nil, fmt.Errorf("event %d has malformed event_type %q", id, eventType)
	}
	e := &event{
		id:         id,
		domain:     eventType[:first],
		entityType: eventType[first+1 : last],
		subtype:    eventType[last+1:],
		raw:        raw,
	}
	if ent, ok := raw["entity"].(map[string]any); ok {
		e.entity = shotgun.Entity(ent)
	}
	if meta, ok := raw["meta"].(map[string]any); ok {
		e.meta = meta
	}
	return e, nil
}

// entityID digs the subject's id out of the event, falling back to the
// meta block when the entity payload is null (it is for anything
// retired by the time the event is read).
func (e *event) entityID() (int64, bool) {
	if e.entity != nil {
		if id, ok := e.entity.ID(); ok {
			return id, true
		}
	}
	if e.meta != nil {
		if id, ok := shotgun.AsInt64(e.meta["entity_id"]); ok {
			return id, true
		}
	}
	return 0, false
}

func (f *Follower) apply(ctx context.Context, raw shotgun.Entity) error {
	e, err := parseEvent(raw)
	if err != nil {
		f.logger.WithError(err).Warn("skipping malformed event")
		return nil
	}
	et, err := f.cache.Type(e.entityType)
	if err != nil {
		// Not a cached type; nothing to do.
		return nil
	}
	id, ok := e.entityID()
	if !ok {
		f.logger.WithField("event", e.id).Warn("event has no entity id; skipping")
		return nil
	}

	switch strings.ToLower(e.subtype) {
	case "new":
		return f.applyNew(ctx, et.Name, id, e)
	case "change":
		return f.applyChange(ctx, et, id, e)
	case "retirement":
		_, err := f.cache.Retire(ctx, et.Name, id, false, e.id)
		return err
	case "revival":
		found, err := f.cache.Revive(ctx, et.Name, id, false, e.id)
		if err != nil {
			return err
		}
		if !found {
			// Never saw this row; pull it whole.
			return f.applyNew(ctx, et.Name, id, e)
		}
		return nil
	default:
		f.logger.WithFields(logrus.Fields{"event": e.id, "subtype": e.subtype}).
			Debug("ignoring event subtype")
		return nil
	}
}

// applyNew fetches the full row from upstream. When the row has
// already vanished upstream it is recorded inactive so later events
// against it still have something to land on.
func (f *Follower) applyNew(ctx context.Context, typeName string, id int64, e *event) error {
	et, err := f.cache.Type(typeName)
	if err != nil {
		return err
	}
	fetched, err := f.client.FindOne(ctx, typeName,
		shotgun.And(shotgun.Cond("id", "is", id)),
		et.FieldNames(), shotgun.FindOptions{})
	if err != nil {
		return err
	}
	if fetched == nil {
		inactive := false
		_, err := f.cache.CreateOrUpdate(ctx, typeName, map[string]any{"id": id},
			cache.UpsertOptions{EventID: e.id, Active: &inactive})
		return err
	}
	_, err = f.cache.CreateOrUpdate(ctx, typeName, fetched, cache.UpsertOptions{EventID: e.id})
	return err
}

// applyChange writes one attribute change. Rows the cache has never
// seen are treated as new so a partial row is never fabricated from a
// single attribute.
func (f *Follower) applyChange(ctx context.Context, et *cache.EntityType, id int64, e *event) error {
	exists, err := f.cache.Exists(ctx, et.Name, id)
	if err != nil {
		return err
	}
	if !exists {
		return f.applyNew(ctx, et.Name, id, e)
	}

	attr, _ := e.meta["attribute_name"].(string)
	if attr == "" {
		return nil
	}
	if !et.HasField(attr) {
		return nil
	}

	data := map[string]any{"id": id}
	added, hasAdded := e.meta["added"].([]any)
	removed, hasRemoved := e.meta["removed"].([]any)
	if hasAdded || hasRemoved {
		data[attr] = cache.DeltaValue(added, removed)
	} else {
		data[attr] = e.meta["new_value"]
	}
	// Change events carry the owning row's updated_at as a deep return
	// field; fold it in so scans know the row is current.
	if updated, ok := e.raw["entity."+et.Name+".updated_at"]; ok && et.HasField("updated_at") {
		data["updated_at"] = updated
	}
	_, err = f.cache.CreateOrUpdate(ctx, et.Name, data, cache.UpsertOptions{EventID: e.id})
	return err
}
