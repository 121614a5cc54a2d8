package stable

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestNewSnapshotStoreRequiresDatabase(t *testing.T) {
	t.Parallel()

	if _, err := NewSnapshotStore(nil, nil); err == nil {
		t.Fatalf("expected error when database is nil")
	}
}

func TestSnapshotWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	set := &InclusionSet{
		Transclusions: []Transclusion{
			{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101},
			{Namespace: nsTemplate, Title: "Citation", RevisionID: 102},
		},
		Images: []ImageRef{
			{Name: "Map.png", RevisionID: 55, Timestamp: ts, SHA1: "deadbeef"},
		},
	}

	written, err := store.Write(ctx, 1, 10, set)
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	read, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}

	if !reflect.DeepEqual(written, read) {
		t.Fatalf("expected write to return the read-back rows, got %#v vs %#v", written, read)
	}
	if len(read.Transclusions) != 2 || len(read.Images) != 1 {
		t.Fatalf("unexpected snapshot contents: %#v", read)
	}
	if read.Transclusions[0].Title != "Citation" {
		t.Fatalf("expected title-ordered read-back, got %q first", read.Transclusions[0].Title)
	}
}

func TestSnapshotWriteIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	set := &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	}

	first, err := store.Write(ctx, 1, 10, set)
	if err != nil {
		t.Fatalf("first Write returned error: %v", err)
	}

	second, err := store.Write(ctx, 1, 10, set)
	if err != nil {
		t.Fatalf("second Write returned error: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical snapshots, got %#v vs %#v", first, second)
	}

	read, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if len(read.Transclusions) != 1 {
		t.Fatalf("expected delete-then-reinsert to avoid duplicates, got %d rows", len(read.Transclusions))
	}
}

func TestSnapshotWriteCollapsesDuplicatesToLatest(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	set := &InclusionSet{
		Transclusions: []Transclusion{
			{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101},
			{Namespace: nsTemplate, Title: "Infobox", RevisionID: 105},
		},
		Images: []ImageRef{
			{Name: "Map.png", RevisionID: 50, Timestamp: newer, SHA1: "new"},
			{Name: "Map.png", RevisionID: 40, Timestamp: older, SHA1: "old"},
		},
	}

	written, err := store.Write(ctx, 1, 10, set)
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if len(written.Transclusions) != 1 || written.Transclusions[0].RevisionID != 105 {
		t.Fatalf("expected duplicate transclusions collapsed to latest, got %#v", written.Transclusions)
	}
	if len(written.Images) != 1 || written.Images[0].SHA1 != "new" {
		t.Fatalf("expected duplicate images collapsed to latest, got %#v", written.Images)
	}
}

func TestSnapshotRemoveForRevision(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	set := &InclusionSet{Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}}}
	if _, err := store.Write(ctx, 1, 10, set); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if _, err := store.Write(ctx, 1, 20, set); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if err := store.RemoveForRevision(ctx, 10); err != nil {
		t.Fatalf("RemoveForRevision returned error: %v", err)
	}

	removed, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !removed.Empty() {
		t.Fatalf("expected empty snapshot after removal, got %#v", removed)
	}

	kept, err := store.Read(ctx, 20)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if kept.Empty() {
		t.Fatalf("expected snapshot of other revision to survive")
	}
}

func TestSnapshotRemoveForPage(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	set := &InclusionSet{Images: []ImageRef{{Name: "Map.png", RevisionID: 50}}}
	if _, err := store.Write(ctx, 1, 10, set); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if _, err := store.Write(ctx, 2, 11, set); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if err := store.RemoveForPage(ctx, 1); err != nil {
		t.Fatalf("RemoveForPage returned error: %v", err)
	}

	removed, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !removed.Empty() {
		t.Fatalf("expected page snapshots removed, got %#v", removed)
	}

	kept, err := store.Read(ctx, 11)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if kept.Empty() {
		t.Fatalf("expected other page's snapshot to survive")
	}
}

func newStore(t *testing.T) *GormSnapshotStore {
	t.Helper()

	store, err := NewSnapshotStore(setupDB(t), discardLogger())
	if err != nil {
		t.Fatalf("NewSnapshotStore returned error: %v", err)
	}

	return store
}
