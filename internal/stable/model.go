package stable

import (
	"fmt"
	"time"
)

// StablePoint records that a specific revision of a page was approved. It is
// the raw persisted record and deliberately carries no inclusions; use
// InclusionManager.Decorate to obtain a DecoratedStablePoint when the frozen
// inclusion set is needed.
type StablePoint struct {
	ID           uint  `gorm:"primarykey"`
	PageID       int64 `gorm:"not null;uniqueIndex:idx_stable_points_page_rev,priority:1"`
	RevisionID   int64 `gorm:"not null;uniqueIndex:idx_stable_points_page_rev,priority:2"`
	ApproverID   int64 `gorm:"not null"`
	ApproverName string `gorm:"size:255;not null"`
	ApprovedAt   time.Time
	Comment      string `gorm:"type:text"`

	// Bound file metadata, set only for file pages.
	FileTimestamp *time.Time
	FileSHA1      string `gorm:"size:40"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName defines the table name for stable points.
func (StablePoint) TableName() string {
	return "stable_points"
}

// DecoratedStablePoint is a stable point with its frozen inclusion set
// attached. Construction goes through InclusionManager.Decorate, so a caller
// holding one can always read the inclusions.
type DecoratedStablePoint struct {
	Point      StablePoint
	Inclusions InclusionSet
}

// Transclusion references a sub-document embedded by a page, bound to the
// revision of the target that applies. RevisionID 0 marks an unresolvable
// target.
type Transclusion struct {
	Namespace  Namespace
	Title      string
	RevisionID int64
}

// identity keys a transclusion by target alone, ignoring the bound version.
func (t Transclusion) identity() string {
	return fmt.Sprintf("t|%d|%s", t.Namespace, t.Title)
}

// key keys a transclusion by target and bound version.
func (t Transclusion) key() string {
	return fmt.Sprintf("%d|%s|%d", t.Namespace, t.Title, t.RevisionID)
}

// ImageRef references an image or file embedded by a page, bound to the file
// version current at capture time. RevisionID 0 marks an unresolvable file.
type ImageRef struct {
	Name       string
	RevisionID int64
	Timestamp  time.Time
	SHA1       string
}

func (i ImageRef) identity() string {
	return "i|" + i.Name
}

func (i ImageRef) key() string {
	return fmt.Sprintf("%s|%d", i.Name, i.Timestamp.UTC().Unix())
}

// InclusionSet is the set of sub-resources a revision embeds, either frozen at
// stabilization time or computed on demand.
type InclusionSet struct {
	Transclusions []Transclusion
	Images        []ImageRef
}

// Empty reports whether the set contains no inclusions.
func (s *InclusionSet) Empty() bool {
	return s == nil || (len(s.Transclusions) == 0 && len(s.Images) == 0)
}

// SyncDifference describes how a page's current inclusions have drifted from a
// stable point's frozen snapshot. Transclusions and Images hold latest-side
// entries whose target+version has no frozen counterpart; Untracked holds
// identity keys of inclusions never captured at all. The diff is
// one-directional: an inclusion removed outright from the current content is
// not reported beyond what these checks incidentally catch.
type SyncDifference struct {
	Transclusions []Transclusion
	Images        []ImageRef
	Untracked     []string
}

// Empty reports whether the stable point is in sync with current content.
func (d *SyncDifference) Empty() bool {
	return d == nil || (len(d.Transclusions) == 0 && len(d.Images) == 0 && len(d.Untracked) == 0)
}

// ViewStatus classifies a resolved view.
type ViewStatus int

const (
	// StatusFirstUnstable marks a page that has never had a stable point.
	StatusFirstUnstable ViewStatus = iota
	// StatusStable marks a resolved revision recognized as stable.
	StatusStable
	// StatusUnstable marks a draft revision the viewer is permitted to see.
	StatusUnstable
	// StatusImplicitUnstable marks the latest stable revision whose bound
	// inclusions have drifted since stabilization.
	StatusImplicitUnstable
)

// String returns the wire name of the status.
func (s ViewStatus) String() string {
	switch s {
	case StatusFirstUnstable:
		return "first-unstable"
	case StatusStable:
		return "stable"
	case StatusUnstable:
		return "unstable"
	case StatusImplicitUnstable:
		return "implicit-unstable"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StableView is the result of resolving what a viewer should see for a page.
// It is computed per request and never persisted. A nil Revision means the
// viewer may see nothing.
type StableView struct {
	Revision           *Revision
	Inclusions         *InclusionSet
	Point              *StablePoint
	Status             ViewStatus
	NeedsStabilization bool
	OutOfSync          *SyncDifference
}
