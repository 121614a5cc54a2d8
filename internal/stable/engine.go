package stable

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// Engine orchestrates stable-point mutations: validation, authorization,
// persistence, inclusion snapshots, cache invalidation and event emission.
type Engine struct {
	repo       PointRepository
	inclusions *InclusionManager
	authz      AuthorityCheck
	revs       RevisionSource
	files      FileLookup
	events     EventSink
	cache      *ViewCache
	settings   Settings
	logger     *logrus.Logger
	sentryHub  *sentry.Hub
}

// EngineOptions configures the stabilization engine. Events, Cache, Logger
// and SentryHub are optional.
type EngineOptions struct {
	Repository PointRepository
	Inclusions *InclusionManager
	Authority  AuthorityCheck
	Revisions  RevisionSource
	Files      FileLookup
	Events     EventSink
	Cache      *ViewCache
	Settings   Settings
	Logger     *logrus.Logger
	SentryHub  *sentry.Hub
}

// NewEngine wires the stabilization engine with its dependencies.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Repository == nil {
		return nil, eris.New("point repository is required")
	}
	if opts.Inclusions == nil {
		return nil, eris.New("inclusion manager is required")
	}
	if opts.Authority == nil {
		return nil, eris.New("authority check is required")
	}
	if opts.Revisions == nil {
		return nil, eris.New("revision source is required")
	}
	if opts.Files == nil {
		return nil, eris.New("file lookup is required")
	}

	return &Engine{
		repo:       opts.Repository,
		inclusions: opts.Inclusions,
		authz:      opts.Authority,
		revs:       opts.Revisions,
		files:      opts.Files,
		events:     opts.Events,
		cache:      opts.Cache,
		settings:   opts.Settings,
		logger:     opts.Logger,
		sentryHub:  opts.SentryHub,
	}, nil
}

// AddStablePoint approves the revision as the page's stable version. The
// revision must be current, not yet stable, and live in a stabilization
// enabled namespace; the approver needs the stabilize permission unless it is
// the trusted system actor.
func (e *Engine) AddStablePoint(ctx context.Context, rev *Revision, approver Actor, comment string) (*StablePoint, error) {
	if rev == nil {
		return nil, eris.New("revision is required")
	}

	if !e.settings.NamespaceEnabled(rev.Page.Namespace) {
		return nil, eris.Wrapf(ErrValidation, "stabilization is not enabled for namespace %d", rev.Page.Namespace)
	}
	if !rev.Current {
		return nil, eris.Wrapf(ErrValidation, "revision %d is not the current revision", rev.ID)
	}

	existing, err := e.repo.PointForRevision(ctx, rev.Page.ID, rev.ID)
	if err != nil {
		return nil, eris.Wrap(err, "checking for existing stable point")
	}
	if existing != nil {
		return nil, eris.Wrapf(ErrValidation, "revision %d is already stable", rev.ID)
	}

	if err := e.authorize(ctx, approver, PermStabilize, rev.Page); err != nil {
		return nil, err
	}

	file, err := e.fileMeta(ctx, rev.Page)
	if err != nil {
		return nil, err
	}

	point, err := e.repo.Insert(ctx, rev, approver, comment, file)
	if err != nil {
		return nil, err
	}

	// Point and snapshot are one conceptual unit: undo the insert when the
	// snapshot write fails so a half-committed stable point never survives.
	if _, err := e.inclusions.StabilizeInclusions(ctx, rev); err != nil {
		if removeErr := e.repo.Remove(ctx, point); removeErr != nil {
			e.recordError(logrus.Fields{"point_id": point.ID}, removeErr, "rolling back stable point after snapshot failure")
		}
		return nil, eris.Wrapf(err, "snapshotting inclusions for revision %d", rev.ID)
	}

	e.invalidate(rev.Page.ID)
	e.emit(ctx, newEvent(EventAdded, rev.Page, *point, approver))
	e.logInfo(logrus.Fields{"page_id": rev.Page.ID, "revision_id": rev.ID, "approver": approver.Name}, "stable point added")

	return point, nil
}

// UpdateStablePoint re-approves the same stable-point identity against its
// bound revision, refreshing the inclusion snapshot. Requires the admin
// permission.
func (e *Engine) UpdateStablePoint(ctx context.Context, point *StablePoint, approver Actor, comment string) (*StablePoint, error) {
	if point == nil {
		return nil, eris.New("stable point is required")
	}

	rev, err := e.revs.ByID(ctx, point.RevisionID)
	if err != nil {
		return nil, eris.Wrapf(err, "looking up revision %d", point.RevisionID)
	}
	if rev == nil {
		return nil, eris.Wrapf(ErrNotFound, "revision %d", point.RevisionID)
	}

	if err := e.authorize(ctx, approver, PermStableAdmin, rev.Page); err != nil {
		return nil, err
	}

	file, err := e.fileMeta(ctx, rev.Page)
	if err != nil {
		return nil, err
	}

	if err := e.repo.Update(ctx, point, rev, approver, comment, file); err != nil {
		return nil, err
	}

	if _, err := e.inclusions.StabilizeInclusions(ctx, rev); err != nil {
		return nil, eris.Wrapf(err, "re-snapshotting inclusions for revision %d", rev.ID)
	}

	e.invalidate(rev.Page.ID)
	e.emit(ctx, newEvent(EventUpdated, rev.Page, *point, approver))
	e.logInfo(logrus.Fields{"page_id": rev.Page.ID, "revision_id": rev.ID, "approver": approver.Name}, "stable point updated")

	return point, nil
}

// RemoveStablePoint deletes the stable point and its inclusion snapshot.
// Requires the admin permission.
func (e *Engine) RemoveStablePoint(ctx context.Context, point *StablePoint, actor Actor) error {
	if point == nil {
		return eris.New("stable point is required")
	}

	page, err := e.pageOf(ctx, point)
	if err != nil {
		return err
	}

	if err := e.authorize(ctx, actor, PermStableAdmin, page); err != nil {
		return err
	}

	if err := e.inclusions.RemoveForRevision(ctx, point.RevisionID); err != nil {
		return eris.Wrapf(err, "removing inclusion snapshot for revision %d", point.RevisionID)
	}
	if err := e.repo.Remove(ctx, point); err != nil {
		return err
	}

	e.invalidate(page.ID)
	e.emit(ctx, newEvent(EventRemoved, page, *point, actor))
	e.logInfo(logrus.Fields{"page_id": page.ID, "revision_id": point.RevisionID, "actor": actor.Name}, "stable point removed")

	return nil
}

// MoveStablePoint relocates the approval to another revision of the same
// page. The new revision must not already be stable and no other stable point
// may sit strictly between the old and new revision ids.
func (e *Engine) MoveStablePoint(ctx context.Context, point *StablePoint, newRev *Revision, approver Actor, comment string) (*StablePoint, error) {
	if point == nil {
		return nil, eris.New("stable point is required")
	}
	if newRev == nil {
		return nil, eris.New("revision is required")
	}

	if int64(newRev.Page.ID) != point.PageID {
		return nil, eris.Wrapf(ErrValidation, "revision %d belongs to a different page", newRev.ID)
	}
	if newRev.ID == point.RevisionID {
		return nil, eris.Wrapf(ErrValidation, "revision %d is already the stable revision", newRev.ID)
	}

	existing, err := e.repo.PointForRevision(ctx, newRev.Page.ID, newRev.ID)
	if err != nil {
		return nil, eris.Wrap(err, "checking for existing stable point")
	}
	if existing != nil {
		return nil, eris.Wrapf(ErrValidation, "revision %d is already stable", newRev.ID)
	}

	low, high := point.RevisionID, newRev.ID
	if low > high {
		low, high = high, low
	}
	intervening, err := e.repo.LatestMatching(ctx, PointQuery{
		Page:          newRev.Page.ID,
		RevisionAbove: &low,
		RevisionBelow: &high,
	})
	if err != nil {
		return nil, eris.Wrap(err, "checking for intervening stable points")
	}
	if intervening != nil {
		return nil, eris.Wrapf(ErrValidation, "stable point at revision %d sits between %d and %d", intervening.RevisionID, low, high)
	}

	if err := e.authorize(ctx, approver, PermStableAdmin, newRev.Page); err != nil {
		return nil, err
	}

	file, err := e.fileMeta(ctx, newRev.Page)
	if err != nil {
		return nil, err
	}

	previous := *point

	if err := e.inclusions.RemoveForRevision(ctx, point.RevisionID); err != nil {
		return nil, eris.Wrapf(err, "removing inclusion snapshot for revision %d", point.RevisionID)
	}
	if err := e.repo.Update(ctx, point, newRev, approver, comment, file); err != nil {
		return nil, err
	}
	if _, err := e.inclusions.StabilizeInclusions(ctx, newRev); err != nil {
		return nil, eris.Wrapf(err, "snapshotting inclusions for revision %d", newRev.ID)
	}

	e.invalidate(newRev.Page.ID)
	event := newEvent(EventMoved, newRev.Page, *point, approver)
	event.Previous = &previous
	e.emit(ctx, event)
	e.logInfo(logrus.Fields{
		"page_id":          newRev.Page.ID,
		"from_revision_id": previous.RevisionID,
		"to_revision_id":   newRev.ID,
		"approver":         approver.Name,
	}, "stable point moved")

	return point, nil
}

// RemoveStablePointsForPage deletes every stable point and snapshot of the
// page. Used on page deletion.
func (e *Engine) RemoveStablePointsForPage(ctx context.Context, page PageRef, actor Actor) error {
	if err := e.authorize(ctx, actor, PermStableAdmin, page); err != nil {
		return err
	}

	if err := e.inclusions.RemoveForPage(ctx, page.ID); err != nil {
		return eris.Wrapf(err, "removing inclusion snapshots for page %d", page.ID)
	}
	if err := e.repo.RemoveAllForPage(ctx, page.ID); err != nil {
		return err
	}

	e.invalidate(page.ID)
	e.logInfo(logrus.Fields{"page_id": page.ID, "actor": actor.Name}, "stable points removed for page")

	return nil
}

// PointsForPage lists the page's stable points ordered by revision id.
func (e *Engine) PointsForPage(ctx context.Context, page PageID) ([]StablePoint, error) {
	return e.repo.Query(ctx, PointQuery{Page: page})
}

// LastStablePoint returns the page's most recent stable point, or nil.
func (e *Engine) LastStablePoint(ctx context.Context, page PageID) (*StablePoint, error) {
	return e.repo.LatestMatching(ctx, PointQuery{Page: page})
}

// PointForRevision returns the stable point bound to the revision, or nil.
func (e *Engine) PointForRevision(ctx context.Context, page PageID, revisionID int64) (*StablePoint, error) {
	return e.repo.PointForRevision(ctx, page, revisionID)
}

// HasStable reports whether the page has any stable point.
func (e *Engine) HasStable(ctx context.Context, page PageID) (bool, error) {
	ids, err := e.repo.StableRevisionIDs(ctx, page)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// OldestPendingRevision returns the earliest revision still awaiting review:
// the revision right after the page's latest stable point, or the page's first
// revision when nothing was ever stabilized. Returns nil when nothing is
// pending.
func (e *Engine) OldestPendingRevision(ctx context.Context, page PageRef) (*Revision, error) {
	last, err := e.repo.LatestMatching(ctx, PointQuery{Page: page.ID})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return e.revs.FirstForPage(ctx, page)
	}

	stableRev, err := e.revs.ByID(ctx, last.RevisionID)
	if err != nil {
		return nil, eris.Wrapf(err, "looking up revision %d", last.RevisionID)
	}
	if stableRev == nil {
		return nil, nil
	}

	return e.revs.NextAfter(ctx, stableRev)
}

// PendingPages returns the subset of pages whose current revision is newer
// than their latest stable revision. Feeds the pending-changes overview.
func (e *Engine) PendingPages(ctx context.Context, pages []PageRef) ([]PageRef, error) {
	latest, err := e.repo.LatestRevisionPerPage(ctx)
	if err != nil {
		return nil, err
	}

	var pending []PageRef
	for _, page := range pages {
		stableRev, ok := latest[page.ID]
		if !ok {
			continue
		}
		current, err := e.revs.CurrentForPage(ctx, page)
		if err != nil {
			return nil, eris.Wrapf(err, "looking up current revision of page %d", page.ID)
		}
		if current != nil && current.ID > stableRev {
			pending = append(pending, page)
		}
	}

	return pending, nil
}

// authorize enforces the permission for the actor on the page. The trusted
// system actor bypasses all checks; this is the single place the bypass is
// applied.
func (e *Engine) authorize(ctx context.Context, actor Actor, permission string, page PageRef) error {
	if actor.System {
		return nil
	}

	if !e.authz.IsRegistered(actor) {
		return eris.Wrap(ErrAuthorization, "registration required")
	}
	if e.authz.IsBlocked(actor) {
		return eris.Wrapf(ErrAuthorization, "actor %s is blocked", actor.Name)
	}

	allowed, err := e.authz.IsAllowed(ctx, actor, permission, page)
	if err != nil {
		return eris.Wrapf(err, "checking permission %s", permission)
	}
	if !allowed {
		return eris.Wrapf(ErrAuthorization, "actor %s lacks permission %s", actor.Name, permission)
	}

	return nil
}

func (e *Engine) fileMeta(ctx context.Context, page PageRef) (*FileMeta, error) {
	if !page.IsFile {
		return nil, nil
	}

	meta, err := e.files.CurrentFile(ctx, page.Title)
	if err != nil {
		return nil, eris.Wrapf(err, "looking up file metadata for %s", page.Title)
	}

	return meta, nil
}

func (e *Engine) pageOf(ctx context.Context, point *StablePoint) (PageRef, error) {
	rev, err := e.revs.ByID(ctx, point.RevisionID)
	if err != nil {
		return PageRef{}, eris.Wrapf(err, "looking up revision %d", point.RevisionID)
	}
	if rev != nil {
		return rev.Page, nil
	}

	// The revision store may have lost the revision; fall back to the page
	// identity stored on the point.
	return PageRef{ID: PageID(point.PageID)}, nil
}

func (e *Engine) invalidate(page PageID) {
	if e.cache != nil {
		e.cache.InvalidatePage(page)
	}
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if e.events != nil {
		e.events.Emit(ctx, event)
	}
}

func (e *Engine) logInfo(fields logrus.Fields, message string) {
	if e.logger == nil {
		return
	}
	e.logger.WithFields(fields).Info(message)
}

func (e *Engine) recordError(fields logrus.Fields, err error, message string) {
	if err == nil {
		return
	}

	if e.logger != nil {
		entry := e.logger.WithField("error", err.Error())
		if len(fields) > 0 {
			entry = entry.WithFields(fields)
		}
		entry.Error(message)
	}

	if e.sentryHub != nil {
		e.sentryHub.CaptureException(err)
	}
}
