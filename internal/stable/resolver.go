package stable

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// ResolveOptions carries the per-request view options. The zero value asks
// for the default view of the current revision.
type ResolveOptions struct {
	// UpToRevision requests a specific prior revision; 0 means the page's
	// current revision.
	UpToRevision int64
	// Unstable explicitly requests the draft even when a stable point exists.
	Unstable bool
}

// ViewResolver decides which revision and inclusion set a viewer should see.
type ViewResolver struct {
	repo       PointRepository
	inclusions *InclusionManager
	revs       RevisionSource
	settings   Settings
	cache      *ViewCache
	logger     *logrus.Logger
}

// NewViewResolver wires the resolver with its dependencies. The cache is
// optional and, when set, must be request-scoped.
func NewViewResolver(repo PointRepository, inclusions *InclusionManager, revs RevisionSource, settings Settings, cache *ViewCache, logger *logrus.Logger) (*ViewResolver, error) {
	if repo == nil {
		return nil, eris.New("point repository is required")
	}
	if inclusions == nil {
		return nil, eris.New("inclusion manager is required")
	}
	if revs == nil {
		return nil, eris.New("revision source is required")
	}

	return &ViewResolver{
		repo:       repo,
		inclusions: inclusions,
		revs:       revs,
		settings:   settings,
		cache:      cache,
		logger:     logger,
	}, nil
}

// Resolve produces the stable view for (page, viewer, options). A nil view
// (with nil error) means the page does not exist or stabilization does not
// apply to it. A view with a nil Revision means the viewer may see nothing.
//
// The decision sequence is kept flat with named intermediate booleans so each
// branch stays independently testable.
func (r *ViewResolver) Resolve(ctx context.Context, page PageRef, viewer Actor, opts ResolveOptions) (*StableView, error) {
	if !r.settings.NamespaceEnabled(page.Namespace) {
		return nil, nil
	}

	current, err := r.revs.CurrentForPage(ctx, page)
	if err != nil {
		return nil, eris.Wrapf(err, "looking up current revision of page %d", page.ID)
	}
	if current == nil {
		return nil, nil
	}

	key := cacheKey(page, viewer, opts)
	if r.cache != nil {
		if view, ok := r.cache.get(key); ok {
			return view, nil
		}
	}

	view, err := r.resolve(ctx, page, viewer, opts, current)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.put(key, view)
	}

	return view, nil
}

func (r *ViewResolver) resolve(ctx context.Context, page PageRef, viewer Actor, opts ResolveOptions, current *Revision) (*StableView, error) {
	// Candidate revision: the explicitly requested one, or current.
	candidate := current
	explicitRevision := opts.UpToRevision > 0 && opts.UpToRevision != current.ID
	if explicitRevision {
		requested, err := r.revs.ByID(ctx, opts.UpToRevision)
		if err != nil {
			return nil, eris.Wrapf(err, "looking up revision %d", opts.UpToRevision)
		}
		if requested == nil || requested.Page.ID != page.ID {
			// Absence is an expected outcome on the read path.
			return emptyView(StatusUnstable), nil
		}
		candidate = requested
	}

	stableIDs, err := r.repo.StableRevisionIDs(ctx, page.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "listing stable revisions of page %d", page.ID)
	}

	hasStable := len(stableIDs) > 0
	hasNewerStable := hasStable && stableIDs[len(stableIDs)-1] > candidate.ID
	canSeeDrafts := r.canSeeDrafts(viewer)

	// Viewers without draft rights get the stable version substituted unless
	// they explicitly asked for the draft. Draft-capable viewers see the
	// draft by default; that is what makes an implicit-unstable
	// classification reachable for them below.
	forceStable := hasStable && !opts.Unstable && !canSeeDrafts

	selected := candidate
	if forceStable {
		atMost := candidate.ID
		point, err := r.repo.LatestMatching(ctx, PointQuery{Page: page.ID, RevisionAtMost: &atMost})
		if err != nil {
			return nil, eris.Wrapf(err, "finding stable point at or before revision %d", candidate.ID)
		}
		if point != nil && point.RevisionID != candidate.ID {
			substituted, err := r.revs.ByID(ctx, point.RevisionID)
			if err != nil {
				return nil, eris.Wrapf(err, "looking up stable revision %d", point.RevisionID)
			}
			if substituted != nil {
				selected = substituted
			}
		}
	}

	selectedStable := containsID(stableIDs, selected.ID)

	state := StatusUnstable
	if selectedStable {
		state = StatusStable
	}
	if !hasStable {
		state = StatusFirstUnstable
		if !canSeeDrafts && r.settings.AllowFirstUnstable {
			// First-unstable carve-out: nothing was ever stabilized, so the
			// draft is all there is to show.
			canSeeDrafts = true
		}
	}

	if state != StatusStable && !canSeeDrafts {
		if explicitRevision {
			// Access denied on an explicitly requested draft: nothing to
			// show.
			return emptyView(StatusUnstable), nil
		}

		last, err := r.repo.LatestMatching(ctx, PointQuery{Page: page.ID})
		if err != nil {
			return nil, eris.Wrapf(err, "finding last stable point of page %d", page.ID)
		}
		redirected := false
		if last != nil {
			stableRev, err := r.revs.ByID(ctx, last.RevisionID)
			if err != nil {
				return nil, eris.Wrapf(err, "looking up stable revision %d", last.RevisionID)
			}
			if stableRev != nil {
				selected = stableRev
				selectedStable = true
				state = StatusStable
				redirected = true
			}
		}
		if !redirected {
			return emptyView(state), nil
		}
	}

	atMost := selected.ID
	point, err := r.repo.LatestMatching(ctx, PointQuery{Page: page.ID, RevisionAtMost: &atMost})
	if err != nil {
		return nil, eris.Wrapf(err, "finding applicable stable point for revision %d", selected.ID)
	}

	// Sync status only matters when the viewer looks at the latest approved
	// content; older or draft views are trivially in sync.
	diff := &SyncDifference{}
	if state == StatusStable && !hasNewerStable && point != nil && point.RevisionID == selected.ID {
		diff, err = r.inclusions.SyncDifference(ctx, point)
		if err != nil {
			return nil, eris.Wrapf(err, "computing sync difference for revision %d", selected.ID)
		}
		if !diff.Empty() && !forceStable && canSeeDrafts {
			state = StatusImplicitUnstable
		}
	}

	hasApprovableDraft := canSeeDrafts && !selected.Current && !hasNewerStable
	needsStabilization := !selectedStable || hasApprovableDraft

	var inc *InclusionSet
	if state == StatusStable {
		inc, err = r.inclusions.StableInclusions(ctx, selected)
	} else {
		inc, err = r.inclusions.CurrentStabilizedInclusions(ctx, selected)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "resolving inclusions for revision %d", selected.ID)
	}
	if inc == nil {
		inc = &InclusionSet{}
	}

	return &StableView{
		Revision:           selected,
		Inclusions:         inc,
		Point:              point,
		Status:             state,
		NeedsStabilization: needsStabilization,
		OutOfSync:          diff,
	}, nil
}

// canSeeDrafts reports the viewer's base draft visibility: the system actor,
// or membership in the draft-groups allow-list. The first-unstable carve-out
// is applied separately during resolution.
func (r *ViewResolver) canSeeDrafts(viewer Actor) bool {
	if viewer.System {
		return true
	}

	for _, group := range r.settings.CanSeeDraftGroups() {
		if viewer.InGroup(group) {
			return true
		}
	}

	return false
}

func emptyView(status ViewStatus) *StableView {
	return &StableView{
		Status:     status,
		Inclusions: &InclusionSet{},
		OutOfSync:  &SyncDifference{},
	}
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
