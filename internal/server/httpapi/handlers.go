package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/ids"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/dmitrijs2005/motivearchive/internal/server/services"
	"github.com/gorilla/mux"
)

const (
	defaultRunsLimit = 20
	maxMemory        = 8 << 20
)

type errorResponse struct {
	Error string `json:"error"`
}

type coverResponse struct {
	OwnerKind string `json:"owner_kind"`
	OwnerID   string `json:"owner_id"`
	ImageID   string `json:"image_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Source    string `json:"source"`
	Degraded  string `json:"degraded,omitempty"`
}

type imageResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	AssetID     string `json:"asset_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Primary     bool   `json:"primary"`
}

type ownerResponse struct {
	Kind  string        `json:"kind"`
	ID    string        `json:"id"`
	Title string        `json:"title,omitempty"`
	Cover coverResponse `json:"cover"`
}

type originalResponse struct {
	URL string `json:"url"`
}

type uploadResponse struct {
	ID      string `json:"id"`
	Warning string `json:"warning,omitempty"`
}

type setPrimaryRequest struct {
	ImageID string `json:"image_id" validate:"required,hexadecimal,len=24"`
}

type failedRepair struct {
	Repair string `json:"repair"`
	Error  string `json:"error"`
}

type reconcileResponse struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DryRun     bool           `json:"dry_run"`
	Planned    int            `json:"planned"`
	Pending    []string       `json:"pending,omitempty"`
	Applied    []string       `json:"applied"`
	Failed     []failedRepair `json:"failed"`
	Conflicts  []string       `json:"conflicts"`
	Orphans    []string       `json:"orphans"`
	Errors     []string       `json:"errors"`
}

type runResponse struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`
	Planned    int       `json:"planned"`
	Applied    int       `json:"applied"`
	Failed     int       `json:"failed"`
	Conflicts  int       `json:"conflicts"`
	Errors     int       `json:"errors"`
}

type conflictResponse struct {
	OwnerKind string `json:"owner_kind,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	ImageID   string `json:"image_id"`
	ClaimedBy string `json:"claimed_by,omitempty"`
	Reason    string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidIdentifier),
		errors.Is(err, common.ErrUnknownOwnerKind):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrOwnershipConflict),
		errors.Is(err, common.ErrVersionConflict),
		errors.Is(err, common.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, common.ErrPartialUpload):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = common.ErrorInternal.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// ownerRef parses the {kind} and {id} path variables.
func ownerRef(r *http.Request) (models.OwnerRef, error) {
	vars := mux.Vars(r)
	kind, err := models.ParseOwnerKind(vars["kind"])
	if err != nil {
		return models.OwnerRef{}, err
	}
	id, err := ids.Normalize(vars["id"])
	if err != nil {
		return models.OwnerRef{}, err
	}
	return models.OwnerRef{Kind: kind, ID: id}, nil
}

func toCoverResponse(c services.CoverView) coverResponse {
	return coverResponse{
		OwnerKind: string(c.Owner.Kind),
		OwnerID:   c.Owner.ID.Hex(),
		ImageID:   c.ImageID,
		URL:       c.URL,
		Source:    string(c.Source),
		Degraded:  c.Degraded,
	}
}

func toReconcileResponse(res *services.RunResult) reconcileResponse {
	rep := res.Report
	out := reconcileResponse{
		RunID:      res.ID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		DryRun:     res.DryRun,
		Planned:    rep.Planned,
		Applied:    make([]string, 0, len(rep.Applied)),
		Failed:     make([]failedRepair, 0, len(rep.Failed)),
		Conflicts:  make([]string, 0, len(rep.Conflicts)),
		Orphans:    make([]string, 0, len(rep.Orphans)),
		Errors:     make([]string, 0, len(rep.Errors)),
	}
	for _, p := range rep.Pending {
		out.Pending = append(out.Pending, p.String())
	}
	for _, a := range rep.Applied {
		out.Applied = append(out.Applied, a.String())
	}
	for _, f := range rep.Failed {
		out.Failed = append(out.Failed, failedRepair{Repair: f.Repair.String(), Error: f.Err.Error()})
	}
	for _, c := range rep.Conflicts {
		out.Conflicts = append(out.Conflicts, c.Error())
	}
	for _, o := range rep.Orphans {
		out.Orphans = append(out.Orphans, o.Hex())
	}
	for _, e := range rep.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOwners(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseOwnerKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, err)
		return
	}

	owners, err := s.images.ListOwners(r.Context(), kind)
	if err != nil {
		s.fail(w, r, "list owners", err)
		return
	}

	out := make([]ownerResponse, 0, len(owners))
	for _, o := range owners {
		out = append(out, ownerResponse{
			Kind:  string(o.Ref.Kind),
			ID:    o.Ref.ID.Hex(),
			Title: o.Title,
			Cover: toCoverResponse(o.Cover),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	c, err := s.images.Cover(r.Context(), ref)
	if err != nil {
		s.fail(w, r, "cover", err)
		return
	}
	writeJSON(w, http.StatusOK, toCoverResponse(*c))
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	imgs, err := s.images.Gallery(r.Context(), ref)
	if err != nil {
		s.fail(w, r, "gallery", err)
		return
	}

	out := make([]imageResponse, 0, len(imgs))
	for _, i := range imgs {
		out = append(out, imageResponse(i))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.opts.MaxUploadSize > 0 {
		if r.ContentLength > s.opts.MaxUploadSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form"})
		return
	}

	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file field is required"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	img, err := s.images.Attach(r.Context(), ref, services.Upload{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		if img != nil && errors.Is(err, common.ErrPartialUpload) {
			// stored and created, association left to reconciliation
			s.logger.Warn(r.Context(), "partial upload", "owner", ref.String(), "image", img.ID.Hex(), "error", err)
			writeJSON(w, http.StatusAccepted, uploadResponse{ID: img.ID.Hex(), Warning: err.Error()})
			return
		}
		s.fail(w, r, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{ID: img.ID.Hex()})
}

func (s *Server) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req setPrimaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	imageID, err := ids.Normalize(req.ImageID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.images.SetPrimary(r.Context(), ref, imageID); err != nil {
		s.fail(w, r, "set primary", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := ids.Normalize(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.images.Detach(r.Context(), id); err != nil {
		if errors.Is(err, common.ErrDanglingReference) {
			// image is gone, owners are fixed by the next reconciliation
			s.logger.Warn(r.Context(), "image deleted with dangling references", "image", id.Hex(), "error", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.fail(w, r, "delete image", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOriginal(w http.ResponseWriter, r *http.Request) {
	id, err := ids.Normalize(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	link, err := s.images.Original(r.Context(), id)
	if err != nil {
		s.fail(w, r, "original", err)
		return
	}
	writeJSON(w, http.StatusOK, originalResponse{URL: link})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := services.RunOptions{}
	if v := q.Get("dry_run"); v != "" {
		dry, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid dry_run"})
			return
		}
		opts.DryRun = dry
	}
	if v := q.Get("kinds"); v != "" {
		for _, name := range strings.Split(v, ",") {
			kind, err := models.ParseOwnerKind(name)
			if err != nil {
				writeError(w, err)
				return
			}
			opts.Kinds = append(opts.Kinds, kind)
		}
	}

	if c, ok := claimsFrom(r.Context()); ok {
		s.logger.Info(r.Context(), "reconciliation requested", "by", c.Subject, "dry_run", opts.DryRun)
	}

	res, err := s.reconcile.Run(r.Context(), opts)
	if err != nil {
		s.fail(w, r, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(res))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	runs, err := s.reconcile.Runs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list runs", err)
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.reconcile.Conflicts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, "list conflicts", err)
		return
	}

	out := make([]conflictResponse, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, conflictResponse{
			OwnerKind: c.OwnerKind,
			OwnerID:   c.OwnerID,
			ImageID:   c.ImageID,
			ClaimedBy: c.ClaimedBy,
			Reason:    c.Reason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// fail logs unexpected errors and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if statusFor(err) >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), op+" failed", "error", err)
	}
	writeError(w, err)
}
