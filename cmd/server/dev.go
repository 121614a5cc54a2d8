package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stablewiki/app/internal/stable"
)

// devCollaborators is an in-memory stand-in for the external wiki core
// (revision store, content introspection, authority, file lookup). It lets
// the server run end to end without a wiki backend; every page starts with a
// single seeded revision.
type devCollaborators struct {
	mu        sync.RWMutex
	revisions map[int64]*stable.Revision
	pages     map[stable.PageID]*stable.PageRef
	current   map[stable.PageID]int64
	includes  map[stable.PageID]*stable.InclusionSet
	files     map[string]*stable.FileMeta
	blocked   map[int64]bool
	nextID    int64
}

func newDevCollaborators() *devCollaborators {
	return &devCollaborators{
		revisions: make(map[int64]*stable.Revision),
		pages:     make(map[stable.PageID]*stable.PageRef),
		current:   make(map[stable.PageID]int64),
		includes:  make(map[stable.PageID]*stable.InclusionSet),
		files:     make(map[string]*stable.FileMeta),
		blocked:   make(map[int64]bool),
		nextID:    1,
	}
}

var (
	_ stable.RevisionSource      = (*devCollaborators)(nil)
	_ stable.ContentIntrospector = (*devCollaborators)(nil)
	_ stable.AuthorityCheck      = (*devCollaborators)(nil)
	_ stable.FileLookup          = (*devCollaborators)(nil)
)

// AddPage seeds a page with its first revision.
func (d *devCollaborators) AddPage(page stable.PageRef) *stable.Revision {
	d.mu.Lock()
	defer d.mu.Unlock()

	rev := &stable.Revision{
		ID:        d.nextID,
		Page:      page,
		Current:   true,
		Timestamp: time.Now().UTC(),
	}
	d.nextID++

	copied := page
	d.pages[page.ID] = &copied
	d.revisions[rev.ID] = rev
	d.current[page.ID] = rev.ID

	return rev
}

func (d *devCollaborators) ByID(_ context.Context, id int64) (*stable.Revision, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rev, ok := d.revisions[id]
	if !ok {
		return nil, nil
	}
	copied := *rev
	return &copied, nil
}

func (d *devCollaborators) CurrentForPage(_ context.Context, page stable.PageRef) (*stable.Revision, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.current[page.ID]
	if !ok {
		return nil, nil
	}
	copied := *d.revisions[id]
	return &copied, nil
}

func (d *devCollaborators) FirstForPage(_ context.Context, page stable.PageRef) (*stable.Revision, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var first *stable.Revision
	for _, rev := range d.revisions {
		if rev.Page.ID != page.ID {
			continue
		}
		if first == nil || rev.ID < first.ID {
			first = rev
		}
	}
	if first == nil {
		return nil, nil
	}
	copied := *first
	return &copied, nil
}

func (d *devCollaborators) NextAfter(_ context.Context, rev *stable.Revision) (*stable.Revision, error) {
	if rev == nil {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var next *stable.Revision
	for _, candidate := range d.revisions {
		if candidate.Page.ID != rev.Page.ID || candidate.ID <= rev.ID {
			continue
		}
		if next == nil || candidate.ID < next.ID {
			next = candidate
		}
	}
	if next == nil {
		return nil, nil
	}
	copied := *next
	return &copied, nil
}

func (d *devCollaborators) PageByTitle(_ context.Context, ns stable.Namespace, title string) (*stable.PageRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, page := range d.pages {
		if page.Namespace == ns && page.Title == title {
			copied := *page
			return &copied, nil
		}
	}
	return nil, nil
}

func (d *devCollaborators) CurrentInclusions(_ context.Context, page stable.PageRef) (*stable.InclusionSet, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.includes[page.ID]
	if !ok {
		return &stable.InclusionSet{}, nil
	}
	copied := *set
	return &copied, nil
}

func (d *devCollaborators) IsAllowed(_ context.Context, actor stable.Actor, permission string, _ stable.PageRef) (bool, error) {
	switch permission {
	case stable.PermStableAdmin:
		return actor.InGroup(stable.AdminGroup), nil
	case stable.PermStabilize:
		return actor.InGroup(stable.AdminGroup) || actor.InGroup("reviewer"), nil
	default:
		return false, nil
	}
}

func (d *devCollaborators) IsRegistered(actor stable.Actor) bool {
	return !actor.Anonymous()
}

func (d *devCollaborators) IsBlocked(actor stable.Actor) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.blocked[actor.ID]
}

func (d *devCollaborators) CurrentFile(_ context.Context, name string) (*stable.FileMeta, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	meta, ok := d.files[name]
	if !ok {
		return nil, nil
	}
	copied := *meta
	return &copied, nil
}

func (d *devCollaborators) FileAsOf(_ context.Context, name string, ts time.Time) (*stable.FileMeta, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	meta, ok := d.files[name]
	if !ok || meta.Timestamp.After(ts) {
		return nil, nil
	}
	copied := *meta
	return &copied, nil
}

// logEventSink logs stable-point lifecycle events. Stands in for real
// notification delivery.
type logEventSink struct {
	logger *logrus.Logger
}

func newLogEventSink(logger *logrus.Logger) *logEventSink {
	return &logEventSink{logger: logger}
}

var _ stable.EventSink = (*logEventSink)(nil)

func (s *logEventSink) Emit(_ context.Context, event stable.Event) {
	if s.logger == nil {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"kind":        string(event.Kind),
		"page_id":     event.Page.ID,
		"revision_id": event.Point.RevisionID,
		"actor":       event.Actor.Name,
	}).Info("stable point event")
}
