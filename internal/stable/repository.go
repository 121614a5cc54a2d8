package stable

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PointQuery filters stable points of one page by revision id. Nil fields are
// ignored. The filter language is deliberately small: it only needs to answer
// "latest stable at or before X" and "any stable point strictly between X
// and Y".
type PointQuery struct {
	Page           PageID
	RevisionEquals *int64
	RevisionAtMost *int64
	RevisionBelow  *int64
	RevisionAbove  *int64
}

// PointRepository defines persistence operations for stable points.
type PointRepository interface {
	Insert(ctx context.Context, rev *Revision, approver Actor, comment string, file *FileMeta) (*StablePoint, error)
	Update(ctx context.Context, point *StablePoint, newRev *Revision, approver Actor, comment string, file *FileMeta) error
	Remove(ctx context.Context, point *StablePoint) error
	RemoveAllForPage(ctx context.Context, page PageID) error
	PointForRevision(ctx context.Context, page PageID, revisionID int64) (*StablePoint, error)
	Query(ctx context.Context, q PointQuery) ([]StablePoint, error)
	LatestMatching(ctx context.Context, q PointQuery) (*StablePoint, error)
	StableRevisionIDs(ctx context.Context, page PageID) ([]int64, error)
	LatestRevisionPerPage(ctx context.Context) (map[PageID]int64, error)
}

// GormPointRepository persists stable points using a Gorm database connection.
type GormPointRepository struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewPointRepository constructs a Gorm-backed stable-point repository.
func NewPointRepository(db *gorm.DB, logger *logrus.Logger) (*GormPointRepository, error) {
	if db == nil {
		return nil, eris.New("gorm DB is required")
	}

	return &GormPointRepository{db: db, logger: logger}, nil
}

var _ PointRepository = (*GormPointRepository)(nil)

// Insert stores a new stable point for the revision. A concurrent duplicate
// stabilization of the same (page, revision) pair surfaces as ErrConflict via
// the uniqueness constraint.
func (r *GormPointRepository) Insert(ctx context.Context, rev *Revision, approver Actor, comment string, file *FileMeta) (*StablePoint, error) {
	if rev == nil {
		return nil, eris.New("revision is required")
	}

	point := StablePoint{
		PageID:       int64(rev.Page.ID),
		RevisionID:   rev.ID,
		ApproverID:   approver.ID,
		ApproverName: approver.Name,
		ApprovedAt:   time.Now().UTC(),
		Comment:      comment,
	}
	applyFileMeta(&point, file)

	if err := r.db.WithContext(ctx).Create(&point).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, eris.Wrapf(ErrConflict, "revision %d of page %d", rev.ID, rev.Page.ID)
		}
		r.logError(logrus.Fields{"page_id": rev.Page.ID, "revision_id": rev.ID}, err, "inserting stable point")
		return nil, eris.Wrapf(err, "inserting stable point for revision %d", rev.ID)
	}

	return &point, nil
}

// Update repoints an existing stable-point identity to a new revision,
// refreshing approver, comment and bound file metadata.
func (r *GormPointRepository) Update(ctx context.Context, point *StablePoint, newRev *Revision, approver Actor, comment string, file *FileMeta) error {
	if point == nil {
		return eris.New("stable point is required")
	}
	if newRev == nil {
		return eris.New("revision is required")
	}

	point.RevisionID = newRev.ID
	point.ApproverID = approver.ID
	point.ApproverName = approver.Name
	point.ApprovedAt = time.Now().UTC()
	point.Comment = comment
	point.FileTimestamp = nil
	point.FileSHA1 = ""
	applyFileMeta(point, file)

	if err := r.db.WithContext(ctx).Save(point).Error; err != nil {
		if isDuplicateKey(err) {
			return eris.Wrapf(ErrConflict, "revision %d of page %d", newRev.ID, point.PageID)
		}
		r.logError(logrus.Fields{"page_id": point.PageID, "revision_id": newRev.ID}, err, "updating stable point")
		return eris.Wrapf(err, "updating stable point %d", point.ID)
	}

	return nil
}

// Remove deletes the stable point record.
func (r *GormPointRepository) Remove(ctx context.Context, point *StablePoint) error {
	if point == nil {
		return eris.New("stable point is required")
	}

	result := r.db.WithContext(ctx).Delete(&StablePoint{}, point.ID)
	if result.Error != nil {
		r.logError(logrus.Fields{"point_id": point.ID}, result.Error, "removing stable point")
		return eris.Wrapf(result.Error, "removing stable point %d", point.ID)
	}
	if result.RowsAffected == 0 {
		return eris.Wrapf(ErrNotFound, "stable point %d", point.ID)
	}

	return nil
}

// RemoveAllForPage deletes every stable point of the page. Used on page
// deletion.
func (r *GormPointRepository) RemoveAllForPage(ctx context.Context, page PageID) error {
	if err := r.db.WithContext(ctx).Where("page_id = ?", int64(page)).Delete(&StablePoint{}).Error; err != nil {
		r.logError(logrus.Fields{"page_id": page}, err, "removing stable points for page")
		return eris.Wrapf(err, "removing stable points for page %d", page)
	}

	return nil
}

// PointForRevision returns the stable point bound to the revision, or nil when
// the revision has never been stabilized.
func (r *GormPointRepository) PointForRevision(ctx context.Context, page PageID, revisionID int64) (*StablePoint, error) {
	var point StablePoint
	err := r.db.WithContext(ctx).
		First(&point, "page_id = ? AND revision_id = ?", int64(page), revisionID).Error
	if err != nil {
		if eris.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logError(logrus.Fields{"page_id": page, "revision_id": revisionID}, err, "fetching stable point by revision")
		return nil, eris.Wrapf(err, "fetching stable point for revision %d", revisionID)
	}

	return &point, nil
}

// Query returns all stable points matching the filter, ordered by revision id
// ascending.
func (r *GormPointRepository) Query(ctx context.Context, q PointQuery) ([]StablePoint, error) {
	var points []StablePoint

	if err := r.scope(ctx, q).Order("revision_id ASC").Find(&points).Error; err != nil {
		r.logError(logrus.Fields{"page_id": q.Page}, err, "querying stable points")
		return nil, eris.Wrapf(err, "querying stable points for page %d", q.Page)
	}

	return points, nil
}

// LatestMatching returns the stable point with the highest revision id
// matching the filter, or nil when none matches.
func (r *GormPointRepository) LatestMatching(ctx context.Context, q PointQuery) (*StablePoint, error) {
	var point StablePoint

	err := r.scope(ctx, q).Order("revision_id DESC").First(&point).Error
	if err != nil {
		if eris.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logError(logrus.Fields{"page_id": q.Page}, err, "querying latest stable point")
		return nil, eris.Wrapf(err, "querying latest stable point for page %d", q.Page)
	}

	return &point, nil
}

// StableRevisionIDs returns the ascending revision ids of the page's stable
// points.
func (r *GormPointRepository) StableRevisionIDs(ctx context.Context, page PageID) ([]int64, error) {
	var ids []int64

	err := r.db.WithContext(ctx).
		Model(&StablePoint{}).
		Where("page_id = ?", int64(page)).
		Order("revision_id ASC").
		Pluck("revision_id", &ids).Error
	if err != nil {
		r.logError(logrus.Fields{"page_id": page}, err, "listing stable revision ids")
		return nil, eris.Wrapf(err, "listing stable revision ids for page %d", page)
	}

	return ids, nil
}

// LatestRevisionPerPage returns, for every page with at least one stable
// point, the highest stabilized revision id. Feeds the pending-changes
// overview.
func (r *GormPointRepository) LatestRevisionPerPage(ctx context.Context) (map[PageID]int64, error) {
	rows, err := r.db.WithContext(ctx).
		Model(&StablePoint{}).
		Select("page_id", "MAX(revision_id) AS revision_id").
		Group("page_id").
		Rows()
	if err != nil {
		r.logError(nil, err, "aggregating latest stable revisions")
		return nil, eris.Wrap(err, "aggregating latest stable revisions")
	}
	defer rows.Close()

	latest := make(map[PageID]int64)
	for rows.Next() {
		var pageID, revisionID int64
		if scanErr := rows.Scan(&pageID, &revisionID); scanErr != nil {
			r.logError(nil, scanErr, "scanning latest stable revision row")
			return nil, eris.Wrap(scanErr, "scanning latest stable revision row")
		}
		latest[PageID(pageID)] = revisionID
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		r.logError(nil, rowsErr, "iterating latest stable revision rows")
		return nil, eris.Wrap(rowsErr, "iterating latest stable revision rows")
	}

	return latest, nil
}

func (r *GormPointRepository) scope(ctx context.Context, q PointQuery) *gorm.DB {
	scope := r.db.WithContext(ctx).Where("page_id = ?", int64(q.Page))

	if q.RevisionEquals != nil {
		scope = scope.Where("revision_id = ?", *q.RevisionEquals)
	}
	if q.RevisionAtMost != nil {
		scope = scope.Where("revision_id <= ?", *q.RevisionAtMost)
	}
	if q.RevisionBelow != nil {
		scope = scope.Where("revision_id < ?", *q.RevisionBelow)
	}
	if q.RevisionAbove != nil {
		scope = scope.Where("revision_id > ?", *q.RevisionAbove)
	}

	return scope
}

func (r *GormPointRepository) logError(fields logrus.Fields, err error, message string) {
	if r.logger == nil {
		return
	}

	entry := r.logger.WithField("error", err.Error())
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Error(message)
}

func applyFileMeta(point *StablePoint, file *FileMeta) {
	if file == nil {
		return
	}

	ts := file.Timestamp
	point.FileTimestamp = &ts
	point.FileSHA1 = file.SHA1
}

func isDuplicateKey(err error) bool {
	return eris.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}
