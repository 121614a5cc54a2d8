package stable

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stablewiki/app/internal/db"
)

const (
	nsMain     Namespace = 0
	nsFile     Namespace = 6
	nsTemplate Namespace = 10
	nsTalk     Namespace = 1
)

// fakeWiki is an in-memory stand-in for the external revision store, content
// introspector, authority check and file lookup.
type fakeWiki struct {
	revisions  map[int64]*Revision
	pages      map[PageID]PageRef
	current    map[PageID]int64
	inclusions map[PageID]*InclusionSet
	files      map[string]*FileMeta
	blockedIDs map[int64]bool

	introspections int
}

func newFakeWiki() *fakeWiki {
	return &fakeWiki{
		revisions:  make(map[int64]*Revision),
		pages:      make(map[PageID]PageRef),
		current:    make(map[PageID]int64),
		inclusions: make(map[PageID]*InclusionSet),
		files:      make(map[string]*FileMeta),
		blockedIDs: make(map[int64]bool),
	}
}

var (
	_ RevisionSource      = (*fakeWiki)(nil)
	_ ContentIntrospector = (*fakeWiki)(nil)
	_ AuthorityCheck      = (*fakeWiki)(nil)
	_ FileLookup          = (*fakeWiki)(nil)
)

// addRevision registers a revision and makes it the page's current one.
func (w *fakeWiki) addRevision(page PageRef, id int64) *Revision {
	if previousID, ok := w.current[page.ID]; ok {
		w.revisions[previousID].Current = false
	}

	rev := &Revision{
		ID:        id,
		Page:      page,
		Current:   true,
		Timestamp: time.Now().UTC(),
	}
	w.pages[page.ID] = page
	w.revisions[id] = rev
	w.current[page.ID] = id

	return rev
}

func (w *fakeWiki) setInclusions(page PageID, set *InclusionSet) {
	w.inclusions[page] = set
}

func (w *fakeWiki) ByID(_ context.Context, id int64) (*Revision, error) {
	rev, ok := w.revisions[id]
	if !ok {
		return nil, nil
	}
	copied := *rev
	return &copied, nil
}

func (w *fakeWiki) CurrentForPage(_ context.Context, page PageRef) (*Revision, error) {
	id, ok := w.current[page.ID]
	if !ok {
		return nil, nil
	}
	copied := *w.revisions[id]
	return &copied, nil
}

func (w *fakeWiki) FirstForPage(_ context.Context, page PageRef) (*Revision, error) {
	var first *Revision
	for _, rev := range w.revisions {
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

func (w *fakeWiki) NextAfter(_ context.Context, rev *Revision) (*Revision, error) {
	if rev == nil {
		return nil, nil
	}
	var next *Revision
	for _, candidate := range w.revisions {
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

func (w *fakeWiki) PageByTitle(_ context.Context, ns Namespace, title string) (*PageRef, error) {
	for _, page := range w.pages {
		if page.Namespace == ns && page.Title == title {
			copied := page
			return &copied, nil
		}
	}
	return nil, nil
}

func (w *fakeWiki) CurrentInclusions(_ context.Context, page PageRef) (*InclusionSet, error) {
	w.introspections++

	set, ok := w.inclusions[page.ID]
	if !ok {
		return &InclusionSet{}, nil
	}
	copied := *set
	return &copied, nil
}

func (w *fakeWiki) IsAllowed(_ context.Context, actor Actor, permission string, _ PageRef) (bool, error) {
	switch permission {
	case PermStableAdmin:
		return actor.InGroup(AdminGroup), nil
	case PermStabilize:
		return actor.InGroup(AdminGroup) || actor.InGroup("reviewer"), nil
	default:
		return false, nil
	}
}

func (w *fakeWiki) IsRegistered(actor Actor) bool {
	return !actor.Anonymous()
}

func (w *fakeWiki) IsBlocked(actor Actor) bool {
	return w.blockedIDs[actor.ID]
}

func (w *fakeWiki) CurrentFile(_ context.Context, name string) (*FileMeta, error) {
	meta, ok := w.files[name]
	if !ok {
		return nil, nil
	}
	copied := *meta
	return &copied, nil
}

func (w *fakeWiki) FileAsOf(_ context.Context, name string, ts time.Time) (*FileMeta, error) {
	meta, ok := w.files[name]
	if !ok || meta.Timestamp.After(ts) {
		return nil, nil
	}
	copied := *meta
	return &copied, nil
}

// captureSink records emitted events.
type captureSink struct {
	events []Event
}

var _ EventSink = (*captureSink)(nil)

func (s *captureSink) Emit(_ context.Context, event Event) {
	s.events = append(s.events, event)
}

func defaultSettings() Settings {
	return Settings{
		Mode:              ModeFreeze,
		EnabledNamespaces: []Namespace{nsMain, nsTemplate, nsFile},
		FileNamespace:     nsFile,
		DraftGroups:       []string{"reviewer"},
	}
}

// fixture wires the full core against a temp sqlite database and the fake
// wiki collaborators.
type fixture struct {
	db       *gorm.DB
	repo     *GormPointRepository
	store    *GormSnapshotStore
	wiki     *fakeWiki
	manager  *InclusionManager
	engine   *Engine
	resolver *ViewResolver
	cache    *ViewCache
	events   *captureSink
	settings Settings
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()

	gormDB := setupDB(t)
	logger := discardLogger()

	repo, err := NewPointRepository(gormDB, logger)
	if err != nil {
		t.Fatalf("NewPointRepository returned error: %v", err)
	}

	store, err := NewSnapshotStore(gormDB, logger)
	if err != nil {
		t.Fatalf("NewSnapshotStore returned error: %v", err)
	}

	wiki := newFakeWiki()

	policy, err := NewPolicy(settings, repo, wiki, wiki)
	if err != nil {
		t.Fatalf("NewPolicy returned error: %v", err)
	}

	manager, err := NewInclusionManager(store, policy, wiki, wiki, logger, nil)
	if err != nil {
		t.Fatalf("NewInclusionManager returned error: %v", err)
	}

	events := &captureSink{}
	cache := NewViewCache()

	engine, err := NewEngine(EngineOptions{
		Repository: repo,
		Inclusions: manager,
		Authority:  wiki,
		Revisions:  wiki,
		Files:      wiki,
		Events:     events,
		Cache:      cache,
		Settings:   settings,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}

	resolver, err := NewViewResolver(repo, manager, wiki, settings, cache, logger)
	if err != nil {
		t.Fatalf("NewViewResolver returned error: %v", err)
	}

	return &fixture{
		db:       gormDB,
		repo:     repo,
		store:    store,
		wiki:     wiki,
		manager:  manager,
		engine:   engine,
		resolver: resolver,
		cache:    cache,
		events:   events,
		settings: settings,
	}
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stable.db")
	gormDB, err := db.Open(db.Options{Path: path})
	if err != nil {
		t.Fatalf("db.Open returned error: %v", err)
	}

	t.Cleanup(func() {
		if closeErr := db.Close(gormDB); closeErr != nil {
			t.Fatalf("closing database failed: %v", closeErr)
		}
	})

	if err := Migrate(context.Background(), gormDB, discardLogger()); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}

	return gormDB
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Common actors used across the tests.
var (
	reviewerActor = Actor{ID: 7, Name: "Rivka", Groups: []string{"reviewer"}}
	adminActor    = Actor{ID: 8, Name: "Ada", Groups: []string{AdminGroup}}
	readerActor   = Actor{ID: 9, Name: "Rhea"}
	anonActor     = Actor{}
	systemActor   = Actor{Name: "maintenance", System: true}
)

func mainPage(id PageID, title string) PageRef {
	return PageRef{ID: id, Namespace: nsMain, Title: title}
}

func templatePage(id PageID, title string) PageRef {
	return PageRef{ID: id, Namespace: nsTemplate, Title: title}
}
