package http

import (
	"context"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"stablewiki/app/internal/db"
	"stablewiki/app/internal/stable"
)

const timestampFormat = time.RFC3339

// ViewerParams carries the acting identity. Authentication happens upstream;
// this surface trusts the forwarded headers.
type ViewerParams struct {
	ViewerID     int64  `header:"X-Viewer-Id"`
	ViewerName   string `header:"X-Viewer-Name"`
	ViewerGroups string `header:"X-Viewer-Groups"`
	ViewerSystem bool   `header:"X-Viewer-System"`
}

func (v ViewerParams) actor() stable.Actor {
	actor := stable.Actor{
		ID:     v.ViewerID,
		Name:   v.ViewerName,
		System: v.ViewerSystem,
	}
	for _, group := range strings.Split(v.ViewerGroups, ",") {
		if trimmed := strings.TrimSpace(group); trimmed != "" {
			actor.Groups = append(actor.Groups, trimmed)
		}
	}
	return actor
}

type PageParams struct {
	Page      int64  `path:"page"`
	Namespace int    `query:"ns"`
	Title     string `query:"title"`
	File      bool   `query:"file"`
}

func (p PageParams) ref() stable.PageRef {
	return stable.PageRef{
		ID:        stable.PageID(p.Page),
		Namespace: stable.Namespace(p.Namespace),
		Title:     p.Title,
		IsFile:    p.File,
	}
}

type resolveInput struct {
	ViewerParams
	PageParams
	Revision int64 `query:"rev"`
	Unstable bool  `query:"unstable"`
}

type stablePointPayload struct {
	PageID     int64  `json:"page_id"`
	RevisionID int64  `json:"revision_id"`
	Approver   string `json:"approver"`
	ApprovedAt string `json:"approved_at"`
	Comment    string `json:"comment"`
}

type transclusionPayload struct {
	Namespace  int    `json:"namespace"`
	Title      string `json:"title"`
	RevisionID int64  `json:"revision_id"`
}

type imagePayload struct {
	Name       string `json:"name"`
	RevisionID int64  `json:"revision_id"`
	Timestamp  string `json:"timestamp"`
	SHA1       string `json:"sha1"`
}

type inclusionsPayload struct {
	Transclusions []transclusionPayload `json:"transclusions"`
	Images        []imagePayload        `json:"images"`
}

type syncPayload struct {
	Transclusions []transclusionPayload `json:"transclusions,omitempty"`
	Images        []imagePayload        `json:"images,omitempty"`
	Untracked     []string              `json:"untracked,omitempty"`
}

type viewResponse struct {
	Body viewPayload
}

type viewPayload struct {
	PageID             int64               `json:"page_id"`
	RevisionID         int64               `json:"revision_id,omitempty"`
	Status             string              `json:"status"`
	NeedsStabilization bool                `json:"needs_stabilization"`
	StablePoint        *stablePointPayload `json:"stable_point,omitempty"`
	Inclusions         inclusionsPayload   `json:"inclusions"`
	OutOfSync          *syncPayload        `json:"out_of_sync,omitempty"`
}

func (s *Server) registerResolveRoute() {
	huma.Get(s.api, "/pages/{page}/stable", s.resolveHandler, func(op *huma.Operation) {
		op.Summary = "Resolve the view a visitor should see for a page"
	})
}

func (s *Server) resolveHandler(ctx context.Context, input *resolveInput) (*viewResponse, error) {
	resolver, err := s.resolver()
	if err != nil {
		s.recordError(ctx, err, "building view resolver", nil)
		return nil, huma.Error500InternalServerError("resolver unavailable")
	}

	view, err := resolver.Resolve(ctx, input.ref(), input.actor(), stable.ResolveOptions{
		UpToRevision: input.Revision,
		Unstable:     input.Unstable,
	})
	if err != nil {
		s.recordError(ctx, err, "resolving stable view", logrus.Fields{"page_id": input.Page})
		return nil, mapError(err)
	}
	if view == nil {
		return nil, huma.Error404NotFound("page does not exist or is not stabilizable")
	}

	payload := viewPayload{
		PageID:             input.Page,
		Status:             view.Status.String(),
		NeedsStabilization: view.NeedsStabilization,
		Inclusions:         inclusionsToPayload(view.Inclusions),
	}
	if view.Revision != nil {
		payload.RevisionID = view.Revision.ID
	}
	if view.Point != nil {
		point := pointToPayload(*view.Point)
		payload.StablePoint = &point
	}
	if !view.OutOfSync.Empty() {
		payload.OutOfSync = syncToPayload(view.OutOfSync)
	}

	return &viewResponse{Body: payload}, nil
}

type historyInput struct {
	PageParams
}

type historyResponse struct {
	Body struct {
		Points []stablePointPayload `json:"points"`
	}
}

func (s *Server) registerHistoryRoute() {
	huma.Get(s.api, "/pages/{page}/stable/history", s.historyHandler, func(op *huma.Operation) {
		op.Summary = "List the stabilization history of a page"
	})
}

func (s *Server) historyHandler(ctx context.Context, input *historyInput) (*historyResponse, error) {
	points, err := s.engine.PointsForPage(ctx, stable.PageID(input.Page))
	if err != nil {
		s.recordError(ctx, err, "listing stable points", logrus.Fields{"page_id": input.Page})
		return nil, mapError(err)
	}

	resp := &historyResponse{}
	resp.Body.Points = make([]stablePointPayload, 0, len(points))
	for _, point := range points {
		resp.Body.Points = append(resp.Body.Points, pointToPayload(point))
	}

	return resp, nil
}

type approveInput struct {
	ViewerParams
	PageParams
	Body struct {
		RevisionID int64  `json:"revision_id"`
		Comment    string `json:"comment,omitempty"`
	}
}

type approveResponse struct {
	Status int
	Body   stablePointPayload
}

func (s *Server) registerApproveRoute() {
	huma.Post(s.api, "/pages/{page}/stable", s.approveHandler, func(op *huma.Operation) {
		op.Summary = "Approve a revision as the stable version"
		op.DefaultStatus = stdhttp.StatusCreated
	})
}

func (s *Server) approveHandler(ctx context.Context, input *approveInput) (*approveResponse, error) {
	rev, err := s.revisions.ByID(ctx, input.Body.RevisionID)
	if err != nil {
		s.recordError(ctx, err, "looking up revision", logrus.Fields{"revision_id": input.Body.RevisionID})
		return nil, mapError(err)
	}
	if rev == nil || rev.Page.ID != stable.PageID(input.Page) {
		return nil, huma.Error404NotFound("revision not found on page")
	}

	point, err := s.engine.AddStablePoint(ctx, rev, input.actor(), input.Body.Comment)
	if err != nil {
		s.recordError(ctx, err, "adding stable point", logrus.Fields{"revision_id": rev.ID})
		return nil, mapError(err)
	}

	return &approveResponse{Status: stdhttp.StatusCreated, Body: pointToPayload(*point)}, nil
}

type removeInput struct {
	ViewerParams
	PageParams
	Revision int64 `path:"revision"`
}

func (s *Server) registerRemoveRoute() {
	huma.Delete(s.api, "/pages/{page}/stable/{revision}", s.removeHandler, func(op *huma.Operation) {
		op.Summary = "Remove the stable point bound to a revision"
		op.DefaultStatus = stdhttp.StatusNoContent
	})
}

func (s *Server) removeHandler(ctx context.Context, input *removeInput) (*struct{}, error) {
	point, err := s.engine.PointForRevision(ctx, stable.PageID(input.Page), input.Revision)
	if err != nil {
		s.recordError(ctx, err, "looking up stable point", logrus.Fields{"revision_id": input.Revision})
		return nil, mapError(err)
	}
	if point == nil {
		return nil, huma.Error404NotFound("revision has no stable point")
	}

	if err := s.engine.RemoveStablePoint(ctx, point, input.actor()); err != nil {
		s.recordError(ctx, err, "removing stable point", logrus.Fields{"revision_id": input.Revision})
		return nil, mapError(err)
	}

	return nil, nil
}

type pendingInput struct {
	Body struct {
		Pages []struct {
			ID        int64  `json:"id"`
			Namespace int    `json:"namespace"`
			Title     string `json:"title"`
		} `json:"pages"`
	}
}

type pendingResponse struct {
	Body struct {
		Pages []pendingPagePayload `json:"pages"`
	}
}

type pendingPagePayload struct {
	ID        int64  `json:"id"`
	Namespace int    `json:"namespace"`
	Title     string `json:"title"`
}

func (s *Server) registerPendingRoute() {
	huma.Post(s.api, "/pages/pending", s.pendingHandler, func(op *huma.Operation) {
		op.Summary = "Filter the given pages down to those with unreviewed drafts"
	})
}

// pendingHandler feeds the pending-changes dashboard. The core cannot
// enumerate pages itself, so the caller submits its candidates.
func (s *Server) pendingHandler(ctx context.Context, input *pendingInput) (*pendingResponse, error) {
	candidates := make([]stable.PageRef, 0, len(input.Body.Pages))
	for _, page := range input.Body.Pages {
		candidates = append(candidates, stable.PageRef{
			ID:        stable.PageID(page.ID),
			Namespace: stable.Namespace(page.Namespace),
			Title:     page.Title,
		})
	}

	pending, err := s.engine.PendingPages(ctx, candidates)
	if err != nil {
		s.recordError(ctx, err, "listing pending pages", nil)
		return nil, mapError(err)
	}

	resp := &pendingResponse{}
	resp.Body.Pages = make([]pendingPagePayload, 0, len(pending))
	for _, page := range pending {
		resp.Body.Pages = append(resp.Body.Pages, pendingPagePayload{
			ID:        int64(page.ID),
			Namespace: int(page.Namespace),
			Title:     page.Title,
		})
	}

	return resp, nil
}

type healthResponse struct {
	Body struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
}

func (s *Server) registerHealthRoute() {
	huma.Get(s.api, "/healthz", s.healthHandler, func(op *huma.Operation) {
		op.Summary = "Health check"
	})
}

func (s *Server) healthHandler(ctx context.Context, _ *struct{}) (*healthResponse, error) {
	resp := &healthResponse{}
	resp.Body.Status = "ok"
	resp.Body.Database = "ok"

	sqlDB, err := db.SQLDB(s.db)
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.recordError(ctx, err, "database health check", nil)
		resp.Body.Status = "degraded"
		resp.Body.Database = "unreachable"
	}

	return resp, nil
}

func (s *Server) recordError(ctx context.Context, err error, message string, fields logrus.Fields) {
	if err == nil {
		return
	}

	if s.logger != nil {
		entry := s.logger.WithField("error", err.Error())
		if requestID := RequestIDFromContext(ctx); requestID != "" {
			entry = entry.WithField("request_id", requestID)
		}
		if len(fields) > 0 {
			entry = entry.WithFields(fields)
		}
		entry.Error(message)
	}

	if s.sentry != nil {
		s.sentry.CaptureException(err)
	}
}

func mapError(err error) error {
	switch {
	case stable.IsAuthorization(err):
		return huma.Error403Forbidden(err.Error())
	case stable.IsValidation(err):
		return huma.Error422UnprocessableEntity(err.Error())
	case stable.IsNotFound(err):
		return huma.Error404NotFound(err.Error())
	default:
		return huma.Error500InternalServerError("internal error")
	}
}

func pointToPayload(point stable.StablePoint) stablePointPayload {
	return stablePointPayload{
		PageID:     point.PageID,
		RevisionID: point.RevisionID,
		Approver:   point.ApproverName,
		ApprovedAt: point.ApprovedAt.UTC().Format(timestampFormat),
		Comment:    point.Comment,
	}
}

func inclusionsToPayload(set *stable.InclusionSet) inclusionsPayload {
	payload := inclusionsPayload{
		Transclusions: make([]transclusionPayload, 0),
		Images:        make([]imagePayload, 0),
	}
	if set == nil {
		return payload
	}

	for _, t := range set.Transclusions {
		payload.Transclusions = append(payload.Transclusions, transclusionPayload{
			Namespace:  int(t.Namespace),
			Title:      t.Title,
			RevisionID: t.RevisionID,
		})
	}
	for _, img := range set.Images {
		payload.Images = append(payload.Images, imagePayload{
			Name:       img.Name,
			RevisionID: img.RevisionID,
			Timestamp:  img.Timestamp.UTC().Format(timestampFormat),
			SHA1:       img.SHA1,
		})
	}

	return payload
}

func syncToPayload(diff *stable.SyncDifference) *syncPayload {
	if diff.Empty() {
		return nil
	}

	payload := &syncPayload{Untracked: diff.Untracked}
	for _, t := range diff.Transclusions {
		payload.Transclusions = append(payload.Transclusions, transclusionPayload{
			Namespace:  int(t.Namespace),
			Title:      t.Title,
			RevisionID: t.RevisionID,
		})
	}
	for _, img := range diff.Images {
		payload.Images = append(payload.Images, imagePayload{
			Name:       img.Name,
			RevisionID: img.RevisionID,
			Timestamp:  img.Timestamp.UTC().Format(timestampFormat),
			SHA1:       img.SHA1,
		})
	}

	return payload
}
