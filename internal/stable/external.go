package stable

import (
	"context"
	"time"
)

// PageID identifies a page in the external revision store.
type PageID int64

// Namespace identifies the namespace a page lives in.
type Namespace int

// PageRef carries the identity of a page as supplied by the revision store.
type PageRef struct {
	ID        PageID
	Namespace Namespace
	Title     string
	IsFile    bool
}

// Revision is an immutable page revision supplied by the revision store.
// The core never inspects content; it only compares identities, order and
// currency.
type Revision struct {
	ID        int64
	Page      PageRef
	Current   bool
	Timestamp time.Time
	SHA1      string
}

// Actor is the identity performing or viewing an operation. System marks the
// trusted system/bot actor that bypasses authorization checks; it is plain
// data checked once at the authorization boundary.
type Actor struct {
	ID     int64
	Name   string
	Groups []string
	System bool
}

// Anonymous reports whether the actor has no registered identity.
func (a Actor) Anonymous() bool {
	return a.ID == 0 && !a.System
}

// InGroup reports whether the actor belongs to the named group.
func (a Actor) InGroup(group string) bool {
	for _, g := range a.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// FileMeta describes the current state of a file resource.
type FileMeta struct {
	Name      string
	Timestamp time.Time
	SHA1      string
}

// RevisionSource is the read-only lookup surface of the external revision
// store.
type RevisionSource interface {
	ByID(ctx context.Context, id int64) (*Revision, error)
	CurrentForPage(ctx context.Context, page PageRef) (*Revision, error)
	FirstForPage(ctx context.Context, page PageRef) (*Revision, error)
	NextAfter(ctx context.Context, rev *Revision) (*Revision, error)
	// PageByTitle resolves a page identity by namespace and title. Inclusion
	// policies use it to chase transclusion targets; a nil result means the
	// page does not exist.
	PageByTitle(ctx context.Context, ns Namespace, title string) (*PageRef, error)
}

// ContentIntrospector extracts the sub-resources a page's current content
// embeds. It is the only collaborator that parses content; its output is
// treated as opaque structured data.
type ContentIntrospector interface {
	CurrentInclusions(ctx context.Context, page PageRef) (*InclusionSet, error)
}

// AuthorityCheck answers permission questions about actors.
type AuthorityCheck interface {
	IsAllowed(ctx context.Context, actor Actor, permission string, page PageRef) (bool, error)
	IsRegistered(actor Actor) bool
	IsBlocked(actor Actor) bool
}

// FileLookup resolves file resources to their metadata. Nil results mean the
// file does not exist (or did not exist at the requested time).
type FileLookup interface {
	CurrentFile(ctx context.Context, name string) (*FileMeta, error)
	FileAsOf(ctx context.Context, name string, ts time.Time) (*FileMeta, error)
}

// EventSink receives stable-point lifecycle events. Delivery is
// fire-and-forget; the core defines the event shapes only.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// Permissions checked through AuthorityCheck.
const (
	// PermStabilize allows approving a current revision as stable.
	PermStabilize = "stabilize"
	// PermStableAdmin allows updating, moving and removing stable points.
	PermStableAdmin = "stable-admin"
)

// AdminGroup is always part of the draft-visibility allow-list.
const AdminGroup = "sysop"
