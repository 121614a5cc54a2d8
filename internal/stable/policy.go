package stable

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// InclusionMode selects how a stabilized page binds the versions of its
// inclusions.
type InclusionMode int

const (
	// ModeFreeze binds whatever was snapshotted at stabilization time,
	// forever.
	ModeFreeze InclusionMode = iota
	// ModeCurrent always binds the latest existing version of each inclusion.
	ModeCurrent
	// ModeStable binds the stable version of each inclusion independently.
	ModeStable
)

// String returns the config name of the mode.
func (m InclusionMode) String() string {
	switch m {
	case ModeFreeze:
		return "freeze"
	case ModeCurrent:
		return "current"
	case ModeStable:
		return "stable"
	default:
		return "unknown"
	}
}

// ParseInclusionMode parses a config value into an inclusion mode.
func ParseInclusionMode(value string) (InclusionMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "freeze":
		return ModeFreeze, nil
	case "current":
		return ModeCurrent, nil
	case "stable":
		return ModeStable, nil
	default:
		return ModeFreeze, eris.Errorf("unknown inclusion mode: %s", value)
	}
}

// ResolutionPolicy decides which version of each inclusion to bind for a
// target revision.
type ResolutionPolicy interface {
	// Resolve transforms the bound version of each entry. The input set is
	// not mutated.
	Resolve(ctx context.Context, set *InclusionSet, target *Revision) (*InclusionSet, error)
	// CanDriftFromCurrent reports whether this policy's output for the
	// revision can ever disagree with the page's current inclusions.
	CanDriftFromCurrent(rev *Revision) bool
	// Mode identifies the policy variant.
	Mode() InclusionMode
}

// NewPolicy constructs the policy for the configured mode.
func NewPolicy(settings Settings, repo PointRepository, revs RevisionSource, files FileLookup) (ResolutionPolicy, error) {
	switch settings.Mode {
	case ModeFreeze:
		return &FreezePolicy{}, nil
	case ModeCurrent:
		if revs == nil {
			return nil, eris.New("revision source is required for current mode")
		}
		if files == nil {
			return nil, eris.New("file lookup is required for current mode")
		}
		return &CurrentPolicy{revs: revs, files: files}, nil
	case ModeStable:
		if repo == nil {
			return nil, eris.New("point repository is required for stable mode")
		}
		if revs == nil {
			return nil, eris.New("revision source is required for stable mode")
		}
		if files == nil {
			return nil, eris.New("file lookup is required for stable mode")
		}
		return &StablePolicy{settings: settings, repo: repo, revs: revs, files: files}, nil
	default:
		return nil, eris.Errorf("unknown inclusion mode: %d", settings.Mode)
	}
}

// FreezePolicy keeps the snapshotted versions untouched. Its output trivially
// drifts from current as the included resources evolve.
type FreezePolicy struct{}

var _ ResolutionPolicy = (*FreezePolicy)(nil)

// Resolve returns the set unchanged.
func (p *FreezePolicy) Resolve(_ context.Context, set *InclusionSet, _ *Revision) (*InclusionSet, error) {
	return set, nil
}

// CanDriftFromCurrent always reports true for frozen bindings.
func (p *FreezePolicy) CanDriftFromCurrent(*Revision) bool {
	return true
}

// Mode identifies the freeze variant.
func (p *FreezePolicy) Mode() InclusionMode {
	return ModeFreeze
}

// CurrentPolicy rebinds every inclusion to the latest existing version of the
// referenced resource, ignoring what was snapshotted. Resources that no
// longer exist are marked unresolvable with version 0.
type CurrentPolicy struct {
	revs  RevisionSource
	files FileLookup
}

var _ ResolutionPolicy = (*CurrentPolicy)(nil)

// Resolve rebinds the set to the latest versions.
func (p *CurrentPolicy) Resolve(ctx context.Context, set *InclusionSet, _ *Revision) (*InclusionSet, error) {
	if set == nil {
		return nil, nil
	}

	out := &InclusionSet{
		Transclusions: make([]Transclusion, 0, len(set.Transclusions)),
		Images:        make([]ImageRef, 0, len(set.Images)),
	}

	for _, t := range set.Transclusions {
		resolved := t
		resolved.RevisionID = 0

		page, err := p.revs.PageByTitle(ctx, t.Namespace, t.Title)
		if err != nil {
			return nil, eris.Wrapf(err, "resolving transclusion target %s", t.Title)
		}
		if page != nil {
			current, err := p.revs.CurrentForPage(ctx, *page)
			if err != nil {
				return nil, eris.Wrapf(err, "resolving current revision of %s", t.Title)
			}
			if current != nil {
				resolved.RevisionID = current.ID
			}
		}

		out.Transclusions = append(out.Transclusions, resolved)
	}

	for _, img := range set.Images {
		resolved := img

		meta, err := p.files.CurrentFile(ctx, img.Name)
		if err != nil {
			return nil, eris.Wrapf(err, "resolving current file %s", img.Name)
		}
		if meta == nil {
			resolved.RevisionID = 0
			resolved.Timestamp = time.Time{}
			resolved.SHA1 = ""
		} else {
			resolved.Timestamp = meta.Timestamp
			resolved.SHA1 = meta.SHA1
		}

		out.Images = append(out.Images, resolved)
	}

	return out, nil
}

// CanDriftFromCurrent reports false: current bindings are current by
// definition.
func (p *CurrentPolicy) CanDriftFromCurrent(*Revision) bool {
	return false
}

// Mode identifies the current variant.
func (p *CurrentPolicy) Mode() InclusionMode {
	return ModeCurrent
}

// StablePolicy rebinds each inclusion to the latest stable version of the
// referenced resource as of the target revision's stabilization point,
// falling back to the captured version when the inclusion's own page has no
// stable point. Namespaces outside the stabilization-enabled set always
// resolve to latest.
type StablePolicy struct {
	settings Settings
	repo     PointRepository
	revs     RevisionSource
	files    FileLookup
}

var _ ResolutionPolicy = (*StablePolicy)(nil)

// Resolve rebinds the set to stable versions.
func (p *StablePolicy) Resolve(ctx context.Context, set *InclusionSet, target *Revision) (*InclusionSet, error) {
	if set == nil {
		return nil, nil
	}
	if target == nil {
		return nil, eris.New("target revision is required")
	}

	viewingLatest, err := p.viewingLatest(ctx, target)
	if err != nil {
		return nil, err
	}

	out := &InclusionSet{
		Transclusions: make([]Transclusion, 0, len(set.Transclusions)),
		Images:        make([]ImageRef, 0, len(set.Images)),
	}

	for _, t := range set.Transclusions {
		resolved, err := p.resolveTransclusion(ctx, t, viewingLatest)
		if err != nil {
			return nil, err
		}
		out.Transclusions = append(out.Transclusions, resolved)
	}

	for _, img := range set.Images {
		resolved, err := p.resolveImage(ctx, img, viewingLatest)
		if err != nil {
			return nil, err
		}
		out.Images = append(out.Images, resolved)
	}

	return out, nil
}

// CanDriftFromCurrent reports false: stable bindings track stable state, not
// raw latest.
func (p *StablePolicy) CanDriftFromCurrent(*Revision) bool {
	return false
}

// Mode identifies the stable variant.
func (p *StablePolicy) Mode() InclusionMode {
	return ModeStable
}

// viewingLatest reports whether the target is the page's current revision or
// its latest stable point, in which case inclusions bind their most recent
// stable versions rather than versions as of the capture.
func (p *StablePolicy) viewingLatest(ctx context.Context, target *Revision) (bool, error) {
	if target.Current {
		return true, nil
	}

	latest, err := p.repo.LatestMatching(ctx, PointQuery{Page: target.Page.ID})
	if err != nil {
		return false, eris.Wrap(err, "finding latest stable point of target page")
	}

	return latest != nil && latest.RevisionID == target.ID, nil
}

func (p *StablePolicy) resolveTransclusion(ctx context.Context, t Transclusion, viewingLatest bool) (Transclusion, error) {
	resolved := t

	page, err := p.revs.PageByTitle(ctx, t.Namespace, t.Title)
	if err != nil {
		return resolved, eris.Wrapf(err, "resolving transclusion target %s", t.Title)
	}
	if page == nil {
		return resolved, nil
	}

	if !p.settings.NamespaceEnabled(t.Namespace) {
		// No notion of stable outside the enabled namespaces: bind latest.
		current, err := p.revs.CurrentForPage(ctx, *page)
		if err != nil {
			return resolved, eris.Wrapf(err, "resolving current revision of %s", t.Title)
		}
		if current == nil {
			resolved.RevisionID = 0
		} else {
			resolved.RevisionID = current.ID
		}
		return resolved, nil
	}

	query := PointQuery{Page: page.ID}
	if !viewingLatest {
		captured := t.RevisionID
		query.RevisionAtMost = &captured
	}

	point, err := p.repo.LatestMatching(ctx, query)
	if err != nil {
		return resolved, eris.Wrapf(err, "finding stable point of %s", t.Title)
	}
	if point != nil {
		resolved.RevisionID = point.RevisionID
	}

	return resolved, nil
}

func (p *StablePolicy) resolveImage(ctx context.Context, img ImageRef, viewingLatest bool) (ImageRef, error) {
	resolved := img

	page, err := p.revs.PageByTitle(ctx, p.settings.FileNamespace, img.Name)
	if err != nil {
		return resolved, eris.Wrapf(err, "resolving file page of %s", img.Name)
	}
	if page == nil {
		return resolved, nil
	}

	query := PointQuery{Page: page.ID}
	if !viewingLatest {
		captured := img.RevisionID
		query.RevisionAtMost = &captured
	}

	point, err := p.repo.LatestMatching(ctx, query)
	if err != nil {
		return resolved, eris.Wrapf(err, "finding stable point of file %s", img.Name)
	}
	if point == nil {
		return resolved, nil
	}

	resolved.RevisionID = point.RevisionID
	if point.FileTimestamp != nil {
		resolved.Timestamp = *point.FileTimestamp
		resolved.SHA1 = point.FileSHA1
	} else if meta, err := p.files.FileAsOf(ctx, img.Name, point.ApprovedAt); err != nil {
		return resolved, eris.Wrapf(err, "resolving file %s as of stable point", img.Name)
	} else if meta != nil {
		resolved.Timestamp = meta.Timestamp
		resolved.SHA1 = meta.SHA1
	}

	return resolved, nil
}
