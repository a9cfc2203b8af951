// Package httpapi exposes the image association operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/dmitrijs2005/motivearchive/internal/server/services"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ImageAPI is the image lifecycle used by the handlers.
type ImageAPI interface {
	Attach(ctx context.Context, ref models.OwnerRef, up services.Upload) (*models.Image, error)
	Detach(ctx context.Context, imageID bson.ObjectID) error
	SetPrimary(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error
	Cover(ctx context.Context, ref models.OwnerRef) (*services.CoverView, error)
	ListOwners(ctx context.Context, kind models.OwnerKind) ([]services.OwnerView, error)
	Gallery(ctx context.Context, ref models.OwnerRef) ([]services.ImageView, error)
	Original(ctx context.Context, imageID bson.ObjectID) (string, error)
}

// ReconcileAPI runs and inspects reconciliations.
type ReconcileAPI interface {
	Run(ctx context.Context, opts services.RunOptions) (*services.RunResult, error)
	Runs(ctx context.Context, limit int) ([]models.RunRecord, error)
	Conflicts(ctx context.Context, runID string) ([]models.ConflictRecord, error)
}

// Options configures a Server.
type Options struct {
	Address       string
	SecretKey     string
	MaxUploadSize int64
}

type Server struct {
	router    *mux.Router
	images    ImageAPI
	reconcile ReconcileAPI
	opts      Options
	validate  *validator.Validate
	logger    logging.Logger
}

func NewServer(images ImageAPI, reconcile ReconcileAPI, opts Options, l logging.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		images:    images,
		reconcile: reconcile,
		opts:      opts,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    l.With("module", "http_server"),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler, delegating to the mux router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.logRequests)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	editor := r.NewRoute().Subrouter()
	editor.Use(authMiddleware([]byte(s.opts.SecretKey), false))
	editor.HandleFunc("/api/owners/{kind}", s.handleListOwners).Methods(http.MethodGet)
	editor.HandleFunc("/api/owners/{kind}/{id}/cover", s.handleCover).Methods(http.MethodGet)
	editor.HandleFunc("/api/owners/{kind}/{id}/images", s.handleGallery).Methods(http.MethodGet)
	editor.HandleFunc("/api/owners/{kind}/{id}/images", s.handleUpload).Methods(http.MethodPost)
	editor.HandleFunc("/api/owners/{kind}/{id}/primary", s.handleSetPrimary).Methods(http.MethodPut)
	editor.HandleFunc("/api/images/{id}", s.handleDeleteImage).Methods(http.MethodDelete)
	editor.HandleFunc("/api/images/{id}/original", s.handleOriginal).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(authMiddleware([]byte(s.opts.SecretKey), true))
	admin.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	admin.HandleFunc("/reconcile/runs", s.handleRuns).Methods(http.MethodGet)
	admin.HandleFunc("/reconcile/runs/{id}/conflicts", s.handleRunConflicts).Methods(http.MethodGet)
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
