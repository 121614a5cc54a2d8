package stable

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// transclusionRow persists one frozen transclusion of a stabilized revision.
type transclusionRow struct {
	ID               uint  `gorm:"primarykey"`
	PageID           int64 `gorm:"not null;index"`
	RevisionID       int64 `gorm:"not null;index"`
	TargetNamespace  int   `gorm:"not null"`
	TargetTitle      string `gorm:"size:255;not null"`
	TargetRevisionID int64  `gorm:"not null"`
}

func (transclusionRow) TableName() string {
	return "stable_transclusions"
}

// imageRow persists one frozen image reference of a stabilized revision.
type imageRow struct {
	ID             uint  `gorm:"primarykey"`
	PageID         int64 `gorm:"not null;index"`
	RevisionID     int64 `gorm:"not null;index"`
	Name           string `gorm:"size:255;not null"`
	FileRevisionID int64  `gorm:"not null"`
	Timestamp      time.Time
	SHA1           string `gorm:"size:40"`
}

func (imageRow) TableName() string {
	return "stable_images"
}

// SnapshotStore persists the frozen inclusion set of stabilized revisions.
type SnapshotStore interface {
	// Write replaces the snapshot for the revision with the given set and
	// returns the authoritative rows read back after insertion.
	Write(ctx context.Context, page PageID, revisionID int64, set *InclusionSet) (*InclusionSet, error)
	// Read returns the frozen set for the revision. An empty set (not an
	// error) is returned when nothing was captured.
	Read(ctx context.Context, revisionID int64) (*InclusionSet, error)
	RemoveForRevision(ctx context.Context, revisionID int64) error
	RemoveForPage(ctx context.Context, page PageID) error
}

// GormSnapshotStore persists inclusion snapshots using a Gorm database
// connection.
type GormSnapshotStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewSnapshotStore constructs a Gorm-backed inclusion snapshot store.
func NewSnapshotStore(db *gorm.DB, logger *logrus.Logger) (*GormSnapshotStore, error) {
	if db == nil {
		return nil, eris.New("gorm DB is required")
	}

	return &GormSnapshotStore{db: db, logger: logger}, nil
}

var _ SnapshotStore = (*GormSnapshotStore)(nil)

// Write replaces the stored snapshot using delete-then-reinsert semantics.
// Incremental reconciliation is deliberately avoided; the extra round trip to
// read back the inserted rows keeps the returned set authoritative.
func (s *GormSnapshotStore) Write(ctx context.Context, page PageID, revisionID int64, set *InclusionSet) (*InclusionSet, error) {
	if set == nil {
		return nil, eris.New("inclusion set is required")
	}

	deduped := dedupeInclusions(set)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("revision_id = ?", revisionID).Delete(&transclusionRow{}).Error; err != nil {
			return eris.Wrap(err, "deleting prior transclusion rows")
		}
		if err := tx.Where("revision_id = ?", revisionID).Delete(&imageRow{}).Error; err != nil {
			return eris.Wrap(err, "deleting prior image rows")
		}

		for _, t := range deduped.Transclusions {
			row := transclusionRow{
				PageID:           int64(page),
				RevisionID:       revisionID,
				TargetNamespace:  int(t.Namespace),
				TargetTitle:      t.Title,
				TargetRevisionID: t.RevisionID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return eris.Wrapf(err, "inserting transclusion row for %s", t.Title)
			}
		}

		for _, img := range deduped.Images {
			row := imageRow{
				PageID:         int64(page),
				RevisionID:     revisionID,
				Name:           img.Name,
				FileRevisionID: img.RevisionID,
				Timestamp:      img.Timestamp,
				SHA1:           img.SHA1,
			}
			if err := tx.Create(&row).Error; err != nil {
				return eris.Wrapf(err, "inserting image row for %s", img.Name)
			}
		}

		return nil
	})
	if err != nil {
		s.logError(logrus.Fields{"page_id": page, "revision_id": revisionID}, err, "writing inclusion snapshot")
		return nil, eris.Wrapf(err, "writing inclusion snapshot for revision %d", revisionID)
	}

	return s.Read(ctx, revisionID)
}

// Read returns the frozen inclusion set stored for the revision.
func (s *GormSnapshotStore) Read(ctx context.Context, revisionID int64) (*InclusionSet, error) {
	var transclusions []transclusionRow
	if err := s.db.WithContext(ctx).
		Where("revision_id = ?", revisionID).
		Order("target_namespace ASC, target_title ASC").
		Find(&transclusions).Error; err != nil {
		s.logError(logrus.Fields{"revision_id": revisionID}, err, "reading transclusion rows")
		return nil, eris.Wrapf(err, "reading transclusion rows for revision %d", revisionID)
	}

	var images []imageRow
	if err := s.db.WithContext(ctx).
		Where("revision_id = ?", revisionID).
		Order("name ASC").
		Find(&images).Error; err != nil {
		s.logError(logrus.Fields{"revision_id": revisionID}, err, "reading image rows")
		return nil, eris.Wrapf(err, "reading image rows for revision %d", revisionID)
	}

	set := &InclusionSet{}
	for _, row := range transclusions {
		set.Transclusions = append(set.Transclusions, Transclusion{
			Namespace:  Namespace(row.TargetNamespace),
			Title:      row.TargetTitle,
			RevisionID: row.TargetRevisionID,
		})
	}
	for _, row := range images {
		set.Images = append(set.Images, ImageRef{
			Name:       row.Name,
			RevisionID: row.FileRevisionID,
			Timestamp:  row.Timestamp,
			SHA1:       row.SHA1,
		})
	}

	return set, nil
}

// RemoveForRevision deletes the snapshot rows of one revision.
func (s *GormSnapshotStore) RemoveForRevision(ctx context.Context, revisionID int64) error {
	return s.removeWhere(ctx, "revision_id = ?", revisionID,
		logrus.Fields{"revision_id": revisionID}, "removing inclusion snapshot for revision")
}

// RemoveForPage deletes every snapshot row of the page. Used on page deletion.
func (s *GormSnapshotStore) RemoveForPage(ctx context.Context, page PageID) error {
	return s.removeWhere(ctx, "page_id = ?", int64(page),
		logrus.Fields{"page_id": page}, "removing inclusion snapshots for page")
}

func (s *GormSnapshotStore) removeWhere(ctx context.Context, cond string, arg int64, fields logrus.Fields, message string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(cond, arg).Delete(&transclusionRow{}).Error; err != nil {
			return eris.Wrap(err, "deleting transclusion rows")
		}
		if err := tx.Where(cond, arg).Delete(&imageRow{}).Error; err != nil {
			return eris.Wrap(err, "deleting image rows")
		}
		return nil
	})
	if err != nil {
		s.logError(fields, err, message)
		return eris.Wrap(err, message)
	}

	return nil
}

func (s *GormSnapshotStore) logError(fields logrus.Fields, err error, message string) {
	if s.logger == nil {
		return
	}

	entry := s.logger.WithField("error", err.Error())
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Error(message)
}

// dedupeInclusions collapses duplicate entries to the latest captured version,
// keyed per target for transclusions and per name for images.
func dedupeInclusions(set *InclusionSet) *InclusionSet {
	out := &InclusionSet{}

	seenTransclusions := make(map[string]int)
	for _, t := range set.Transclusions {
		id := t.identity()
		if idx, ok := seenTransclusions[id]; ok {
			if t.RevisionID > out.Transclusions[idx].RevisionID {
				out.Transclusions[idx] = t
			}
			continue
		}
		seenTransclusions[id] = len(out.Transclusions)
		out.Transclusions = append(out.Transclusions, t)
	}

	seenImages := make(map[string]int)
	for _, img := range set.Images {
		id := img.identity()
		if idx, ok := seenImages[id]; ok {
			if img.Timestamp.After(out.Images[idx].Timestamp) {
				out.Images[idx] = img
			}
			continue
		}
		seenImages[id] = len(out.Images)
		out.Images = append(out.Images, img)
	}

	return out
}
