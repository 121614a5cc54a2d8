package stable

import (
	"context"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// InclusionManager snapshots, retrieves and diffs the inclusion sets of
// stabilized revisions.
type InclusionManager struct {
	store  SnapshotStore
	policy ResolutionPolicy
	intros ContentIntrospector
	revs   RevisionSource

	logger    *logrus.Logger
	sentryHub *sentry.Hub

	// Computing current inclusions parses page content and is the most
	// expensive step on the hot path; results are memoized per revision for
	// the lifetime of the manager (the policy is fixed per instance).
	memoMu sync.Mutex
	memo   map[int64]*InclusionSet
}

// NewInclusionManager wires the inclusion manager with its dependencies.
func NewInclusionManager(store SnapshotStore, policy ResolutionPolicy, intros ContentIntrospector, revs RevisionSource, logger *logrus.Logger, hub *sentry.Hub) (*InclusionManager, error) {
	if store == nil {
		return nil, eris.New("snapshot store is required")
	}
	if policy == nil {
		return nil, eris.New("resolution policy is required")
	}
	if intros == nil {
		return nil, eris.New("content introspector is required")
	}
	if revs == nil {
		return nil, eris.New("revision source is required")
	}

	return &InclusionManager{
		store:     store,
		policy:    policy,
		intros:    intros,
		revs:      revs,
		logger:    logger,
		sentryHub: hub,
		memo:      make(map[int64]*InclusionSet),
	}, nil
}

// Policy returns the active resolution policy.
func (m *InclusionManager) Policy() ResolutionPolicy {
	return m.policy
}

// StabilizeInclusions captures the page's current inclusions and persists them
// as the frozen snapshot of the revision, replacing any prior snapshot. The
// returned set is read back from storage and therefore authoritative.
func (m *InclusionManager) StabilizeInclusions(ctx context.Context, rev *Revision) (*InclusionSet, error) {
	if rev == nil {
		return nil, eris.New("revision is required")
	}

	current, err := m.intros.CurrentInclusions(ctx, rev.Page)
	if err != nil {
		m.recordError(logrus.Fields{"page_id": rev.Page.ID, "revision_id": rev.ID}, err, "introspecting current inclusions")
		return nil, eris.Wrapf(err, "introspecting inclusions of page %d", rev.Page.ID)
	}
	if current == nil {
		current = &InclusionSet{}
	}

	stored, err := m.store.Write(ctx, rev.Page.ID, rev.ID, current)
	if err != nil {
		m.recordError(logrus.Fields{"page_id": rev.Page.ID, "revision_id": rev.ID}, err, "persisting inclusion snapshot")
		return nil, eris.Wrapf(err, "persisting inclusion snapshot for revision %d", rev.ID)
	}

	m.forget(rev.ID)

	return stored, nil
}

// StableInclusions returns the frozen snapshot of the revision, passed through
// the active resolution policy.
func (m *InclusionManager) StableInclusions(ctx context.Context, rev *Revision) (*InclusionSet, error) {
	if rev == nil {
		return nil, eris.New("revision is required")
	}

	frozen, err := m.store.Read(ctx, rev.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "reading inclusion snapshot for revision %d", rev.ID)
	}

	resolved, err := m.policy.Resolve(ctx, frozen, rev)
	if err != nil {
		m.recordError(logrus.Fields{"revision_id": rev.ID}, err, "resolving stable inclusions")
		return nil, eris.Wrapf(err, "resolving stable inclusions for revision %d", rev.ID)
	}

	return resolved, nil
}

// CurrentStabilizedInclusions computes the page's current (not frozen)
// inclusions and runs them through the policy. Results are memoized per
// revision.
func (m *InclusionManager) CurrentStabilizedInclusions(ctx context.Context, rev *Revision) (*InclusionSet, error) {
	if rev == nil {
		return nil, eris.New("revision is required")
	}

	m.memoMu.Lock()
	cached, ok := m.memo[rev.ID]
	m.memoMu.Unlock()
	if ok {
		return cached, nil
	}

	current, err := m.intros.CurrentInclusions(ctx, rev.Page)
	if err != nil {
		m.recordError(logrus.Fields{"page_id": rev.Page.ID}, err, "introspecting current inclusions")
		return nil, eris.Wrapf(err, "introspecting inclusions of page %d", rev.Page.ID)
	}
	if current == nil {
		current = &InclusionSet{}
	}

	resolved, err := m.policy.Resolve(ctx, dedupeInclusions(current), rev)
	if err != nil {
		m.recordError(logrus.Fields{"revision_id": rev.ID}, err, "resolving current inclusions")
		return nil, eris.Wrapf(err, "resolving current inclusions for revision %d", rev.ID)
	}

	m.memoMu.Lock()
	m.memo[rev.ID] = resolved
	m.memoMu.Unlock()

	return resolved, nil
}

// SyncDifference computes how the page's current resolved inclusions have
// drifted from the stable point's frozen snapshot. The result is empty when
// nothing differs or when the policy declares the revision cannot go out of
// sync. Absence of snapshot data is an expected outcome, never an error.
func (m *InclusionManager) SyncDifference(ctx context.Context, point *StablePoint) (*SyncDifference, error) {
	if point == nil {
		return nil, eris.New("stable point is required")
	}

	rev, err := m.revs.ByID(ctx, point.RevisionID)
	if err != nil {
		return nil, eris.Wrapf(err, "looking up revision %d", point.RevisionID)
	}
	if rev == nil || !m.policy.CanDriftFromCurrent(rev) {
		return &SyncDifference{}, nil
	}

	latest, err := m.CurrentStabilizedInclusions(ctx, rev)
	if err != nil {
		return nil, err
	}

	frozen, err := m.store.Read(ctx, point.RevisionID)
	if err != nil {
		return nil, eris.Wrapf(err, "reading inclusion snapshot for revision %d", point.RevisionID)
	}

	return diffInclusions(latest, frozen), nil
}

// Decorate attaches the frozen inclusion set to a raw stable point.
func (m *InclusionManager) Decorate(ctx context.Context, point *StablePoint) (*DecoratedStablePoint, error) {
	if point == nil {
		return nil, eris.New("stable point is required")
	}

	frozen, err := m.store.Read(ctx, point.RevisionID)
	if err != nil {
		return nil, eris.Wrapf(err, "reading inclusion snapshot for revision %d", point.RevisionID)
	}

	return &DecoratedStablePoint{Point: *point, Inclusions: *frozen}, nil
}

// RemoveForRevision drops the snapshot of one revision.
func (m *InclusionManager) RemoveForRevision(ctx context.Context, revisionID int64) error {
	m.forget(revisionID)
	return m.store.RemoveForRevision(ctx, revisionID)
}

// RemoveForPage drops every snapshot of the page.
func (m *InclusionManager) RemoveForPage(ctx context.Context, page PageID) error {
	m.memoMu.Lock()
	m.memo = make(map[int64]*InclusionSet)
	m.memoMu.Unlock()

	return m.store.RemoveForPage(ctx, page)
}

func (m *InclusionManager) forget(revisionID int64) {
	m.memoMu.Lock()
	delete(m.memo, revisionID)
	m.memoMu.Unlock()
}

func (m *InclusionManager) recordError(fields logrus.Fields, err error, message string) {
	if err == nil {
		return
	}

	if m.logger != nil {
		entry := m.logger.WithField("error", err.Error())
		if len(fields) > 0 {
			entry = entry.WithFields(fields)
		}
		entry.Error(message)
	}

	if m.sentryHub != nil {
		m.sentryHub.CaptureException(err)
	}
}

// diffInclusions reports latest-side entries whose target+version is missing
// from the frozen set, plus identities never captured at all. Removals from
// current content are deliberately not flagged beyond what these checks
// incidentally catch.
func diffInclusions(latest, frozen *InclusionSet) *SyncDifference {
	diff := &SyncDifference{}
	if latest == nil {
		return diff
	}
	if frozen == nil {
		frozen = &InclusionSet{}
	}

	frozenKeys := make(map[string]struct{}, len(frozen.Transclusions)+len(frozen.Images))
	frozenIdentities := make(map[string]struct{}, len(frozen.Transclusions)+len(frozen.Images))
	for _, t := range frozen.Transclusions {
		frozenKeys[t.key()] = struct{}{}
		frozenIdentities[t.identity()] = struct{}{}
	}
	for _, img := range frozen.Images {
		frozenKeys[img.key()] = struct{}{}
		frozenIdentities[img.identity()] = struct{}{}
	}

	for _, t := range latest.Transclusions {
		if _, ok := frozenKeys[t.key()]; !ok {
			diff.Transclusions = append(diff.Transclusions, t)
		}
		if _, ok := frozenIdentities[t.identity()]; !ok {
			diff.Untracked = append(diff.Untracked, t.identity())
		}
	}
	for _, img := range latest.Images {
		if _, ok := frozenKeys[img.key()]; !ok {
			diff.Images = append(diff.Images, img)
		}
		if _, ok := frozenIdentities[img.identity()]; !ok {
			diff.Untracked = append(diff.Untracked, img.identity())
		}
	}

	return diff
}
