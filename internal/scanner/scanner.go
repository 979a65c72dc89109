// Package scanner sweeps the upstream for rows changed since a
// watermark. It backstops the event follower: anything the log missed
// is picked up on the next pass, at the cost of latency.
package scanner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/westernx/sgcache/internal/cache"
	"github.com/westernx/sgcache/internal/control"
	"github.com/westernx/sgcache/internal/shotgun"
)

const (
	errorDelay = 30 * time.Second

	// watermarkSlack is subtracted from each scan's start time before it
	// becomes the next watermark, covering clock skew and in-flight
	// writes.
	watermarkSlack = time.Second
)

// Options narrow what a scanner touches.
type Options struct {
	// Since seeds the first watermark. Zero means the first pass is a
	// full scan.
	Since time.Time

	// Types limits scanning to these entity types. Empty means all
	// cached types.
	Types []string

	// Projects limits scanning to rows of these projects. Types without
	// a project field, and user types, are scanned unfiltered.
	Projects []int64
}

// Scanner walks entity types and upserts everything changed since the
// watermark, in two passes per type so retired rows are flagged too.
type Scanner struct {
	cache  *cache.Cache
	client *shotgun.Client
	logger *logrus.Entry
	opts   Options

	watermark time.Time
}

// New builds a scanner.
func New(c *cache.Cache, client *shotgun.Client, opts Options, logger *logrus.Entry) *Scanner {
	if logger == nil {
		logger = logrus.WithField("subsystem", "scanner")
	}
	return &Scanner{
		cache:     c,
		client:    client,
		logger:    logger,
		opts:      opts,
		watermark: opts.Since,
	}
}

// Iterate runs one incremental scan and advances the watermark on
// success.
func (s *Scanner) Iterate(ctx context.Context) error {
	start := time.Now().UTC()
	if err := s.Scan(ctx, s.watermark); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WithError(err).Warn("scan failed; will retry")
		return control.Sleep(ctx, errorDelay)
	}
	s.watermark = start.Add(-watermarkSlack)
	return nil
}

// Scan sweeps every selected type for rows changed since the given
// time. A zero since scans everything.
func (s *Scanner) Scan(ctx context.Context, since time.Time) error {
	types := s.opts.Types
	if len(types) == 0 {
		types = s.cache.TypeNames()
	}
	for _, typeName := range types {
		if err := s.scanType(ctx, typeName, since); err != nil {
			return err
		}
	}
	return nil
}

// projectFiltered reports whether a type should be narrowed by
// project. User types exist across projects, and a type without a
// project field cannot be filtered at all.
func (s *Scanner) projectFiltered(et *cache.EntityType) bool {
	if len(s.opts.Projects) == 0 {
		return false
	}
	if et.Name == "ApiUser" || et.Name == "HumanUser" {
		return false
	}
	return et.HasField("project")
}

func (s *Scanner) scanType(ctx context.Context, typeName string, since time.Time) error {
	et, err := s.cache.Type(typeName)
	if err != nil {
		return err
	}
	log := s.logger.WithField("entity_type", typeName)

	var conditions []shotgun.Condition
	if !since.IsZero() && et.HasField("updated_at") {
		conditions = append(conditions,
			shotgun.Cond("updated_at", "greater_than", since.UTC().Format("2006-01-02T15:04:05Z")))
	}
	if s.projectFiltered(et) {
		refs := make([]any, len(s.opts.Projects))
		for i, id := range s.opts.Projects {
			refs[i] = shotgun.Ref("Project", id)
		}
		conditions = append(conditions, shotgun.Cond("project", "in", refs...))
	}
	filters := shotgun.And(conditions...)
	fields := et.FieldNames()

	// First pass: live rows. Second pass: retired rows, marked
	// inactive so reads stop returning them.
	for _, pass := range []struct {
		retired bool
		active  bool
	}{{false, true}, {true, false}} {
		entities, err := s.client.Find(ctx, typeName, filters, fields,
			shotgun.FindOptions{RetiredOnly: pass.retired})
		if err != nil {
			return err
		}
		active := pass.active
		for _, entity := range entities {
			if _, err := s.cache.CreateOrUpdate(ctx, typeName, entity,
				cache.UpsertOptions{Active: &active}); err != nil {
				return err
			}
		}
		if len(entities) > 0 {
			log.WithFields(logrus.Fields{"count": len(entities), "retired": pass.retired}).
				Info("scanned rows")
		}
	}
	return nil
}
