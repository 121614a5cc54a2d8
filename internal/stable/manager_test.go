package stable

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestNewInclusionManagerValidatesDependencies(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	store := newStore(t)

	if _, err := NewInclusionManager(nil, &FreezePolicy{}, wiki, wiki, nil, nil); err == nil {
		t.Fatalf("expected error when snapshot store is nil")
	}
	if _, err := NewInclusionManager(store, nil, wiki, wiki, nil, nil); err == nil {
		t.Fatalf("expected error when policy is nil")
	}
	if _, err := NewInclusionManager(store, &FreezePolicy{}, nil, wiki, nil, nil); err == nil {
		t.Fatalf("expected error when introspector is nil")
	}
	if _, err := NewInclusionManager(store, &FreezePolicy{}, wiki, nil, nil, nil); err == nil {
		t.Fatalf("expected error when revision source is nil")
	}
}

func TestStabilizeInclusionsRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
		Images:        []ImageRef{{Name: "Map.png", RevisionID: 55, Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), SHA1: "abc"}},
	})

	stored, err := f.manager.StabilizeInclusions(ctx, rev)
	if err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}
	if len(stored.Transclusions) != 1 || len(stored.Images) != 1 {
		t.Fatalf("unexpected stored snapshot: %#v", stored)
	}

	stable, err := f.manager.StableInclusions(ctx, rev)
	if err != nil {
		t.Fatalf("StableInclusions returned error: %v", err)
	}
	if !reflect.DeepEqual(stored, stable) {
		t.Fatalf("expected frozen snapshot returned unchanged under freeze mode, got %#v vs %#v", stored, stable)
	}
}

func TestCurrentStabilizedInclusionsMemoizes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	})

	if _, err := f.manager.CurrentStabilizedInclusions(ctx, rev); err != nil {
		t.Fatalf("CurrentStabilizedInclusions returned error: %v", err)
	}
	if _, err := f.manager.CurrentStabilizedInclusions(ctx, rev); err != nil {
		t.Fatalf("CurrentStabilizedInclusions returned error: %v", err)
	}

	if f.wiki.introspections != 1 {
		t.Fatalf("expected one introspection thanks to memoization, got %d", f.wiki.introspections)
	}

	// Re-stabilizing the revision invalidates its memo entry.
	if _, err := f.manager.StabilizeInclusions(ctx, rev); err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}
	if _, err := f.manager.CurrentStabilizedInclusions(ctx, rev); err != nil {
		t.Fatalf("CurrentStabilizedInclusions returned error: %v", err)
	}

	if f.wiki.introspections != 3 {
		t.Fatalf("expected recomputation after re-stabilization, got %d introspections", f.wiki.introspections)
	}
}

func TestSyncDifferenceEmptyWhenInSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	})

	if _, err := f.manager.StabilizeInclusions(ctx, rev); err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}

	point, err := f.repo.Insert(ctx, rev, reviewerActor, "", nil)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	diff, err := f.manager.SyncDifference(ctx, point)
	if err != nil {
		t.Fatalf("SyncDifference returned error: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected no drift right after stabilization, got %#v", diff)
	}
}

func TestSyncDifferenceDetectsDrift(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	})

	if _, err := f.manager.StabilizeInclusions(ctx, rev); err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}
	point, err := f.repo.Insert(ctx, rev, reviewerActor, "", nil)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	// The template moved on and a new image appeared since the snapshot.
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 105}},
		Images:        []ImageRef{{Name: "Map.png", RevisionID: 55, SHA1: "abc"}},
	})

	diff, err := f.manager.SyncDifference(ctx, point)
	if err != nil {
		t.Fatalf("SyncDifference returned error: %v", err)
	}

	if len(diff.Transclusions) != 1 || diff.Transclusions[0].RevisionID != 105 {
		t.Fatalf("expected rebound transclusion flagged, got %#v", diff.Transclusions)
	}
	if len(diff.Images) != 1 || diff.Images[0].Name != "Map.png" {
		t.Fatalf("expected new image flagged, got %#v", diff.Images)
	}
	if len(diff.Untracked) != 1 {
		t.Fatalf("expected the never-captured image identity flagged, got %#v", diff.Untracked)
	}
}

func TestSyncDifferenceIgnoresRemovals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{
			{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101},
			{Namespace: nsTemplate, Title: "Citation", RevisionID: 102},
		},
	})

	if _, err := f.manager.StabilizeInclusions(ctx, rev); err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}
	point, err := f.repo.Insert(ctx, rev, reviewerActor, "", nil)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	// Citation was dropped from the page; only additions and rebindings are
	// flagged, so the difference stays empty.
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	})

	diff, err := f.manager.SyncDifference(ctx, point)
	if err != nil {
		t.Fatalf("SyncDifference returned error: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected removals to go unflagged, got %#v", diff)
	}
}

func TestSyncDifferenceShortCircuitsWhenPolicyCannotDrift(t *testing.T) {
	t.Parallel()

	settings := defaultSettings()
	settings.Mode = ModeCurrent
	f := newFixture(t, settings)
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	})

	if _, err := f.manager.StabilizeInclusions(ctx, rev); err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}
	point, err := f.repo.Insert(ctx, rev, reviewerActor, "", nil)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 999}},
	})

	diff, err := f.manager.SyncDifference(ctx, point)
	if err != nil {
		t.Fatalf("SyncDifference returned error: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected current mode to never report drift, got %#v", diff)
	}
	if f.wiki.introspections != 1 {
		t.Fatalf("expected no recomputation for drift-free policies, got %d introspections", f.wiki.introspections)
	}
}

func TestSyncDifferenceEmptyForVanishedRevision(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	diff, err := f.manager.SyncDifference(ctx, &StablePoint{PageID: 1, RevisionID: 404})
	if err != nil {
		t.Fatalf("SyncDifference returned error: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected empty difference for an unknown revision, got %#v", diff)
	}
}

func TestDecorateAttachesSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	})

	if _, err := f.manager.StabilizeInclusions(ctx, rev); err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}
	point, err := f.repo.Insert(ctx, rev, reviewerActor, "", nil)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	decorated, err := f.manager.Decorate(ctx, point)
	if err != nil {
		t.Fatalf("Decorate returned error: %v", err)
	}
	if decorated.Point.ID != point.ID {
		t.Fatalf("expected the point carried through, got %#v", decorated.Point)
	}
	if len(decorated.Inclusions.Transclusions) != 1 {
		t.Fatalf("expected frozen inclusions attached, got %#v", decorated.Inclusions)
	}
}

func TestRemoveForPageDropsSnapshotsAndMemo(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	page := mainPage(1, "Alpha")
	rev := f.wiki.addRevision(page, 10)
	f.wiki.setInclusions(page.ID, &InclusionSet{
		Transclusions: []Transclusion{{Namespace: nsTemplate, Title: "Infobox", RevisionID: 101}},
	})

	if _, err := f.manager.StabilizeInclusions(ctx, rev); err != nil {
		t.Fatalf("StabilizeInclusions returned error: %v", err)
	}
	if _, err := f.manager.CurrentStabilizedInclusions(ctx, rev); err != nil {
		t.Fatalf("CurrentStabilizedInclusions returned error: %v", err)
	}

	if err := f.manager.RemoveForPage(ctx, page.ID); err != nil {
		t.Fatalf("RemoveForPage returned error: %v", err)
	}

	frozen, err := f.store.Read(ctx, rev.ID)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !frozen.Empty() {
		t.Fatalf("expected snapshot removed, got %#v", frozen)
	}

	before := f.wiki.introspections
	if _, err := f.manager.CurrentStabilizedInclusions(ctx, rev); err != nil {
		t.Fatalf("CurrentStabilizedInclusions returned error: %v", err)
	}
	if f.wiki.introspections != before+1 {
		t.Fatalf("expected memo cleared by page removal, got %d introspections", f.wiki.introspections)
	}
}
