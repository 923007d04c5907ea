package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scormsync/internal/config"
	"scormsync/internal/logging"
	"scormsync/internal/services"
	"scormsync/internal/uploads"
)

const maxFormFieldBytes = 4 << 10

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

type uploadListResponse struct {
	Items []uploads.Submission `json:"items"`
}

type healthResponse struct {
	Status      string `json:"status"`
	WorkerAlive bool   `json:"worker_alive"`
	QueueSize   int    `json:"queue_size"`
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		token:  cfg.Paths.APIToken,
		logger: logger,
		daemon: d,
	}
	// Uploads stream for as long as the client sends, so only headers are
	// bounded.
	srv.server = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(correlationMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if s.daemon != nil && s.daemon.gatherer != nil {
		gatherer = s.daemon.gatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.token))
		r.Get("/api/status", s.handleStatus)
		r.Route("/api/uploads", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListUploads)
			r.Get("/{id}", s.handleGetUpload)
			r.Post("/{id}/resubmit", s.handleResubmit)
		})
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.daemon.uploads.Status()
	resp := healthResponse{Status: "ok", WorkerAlive: st.WorkerAlive, QueueSize: st.QueueSize}
	code := http.StatusOK
	if !st.WorkerAlive {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

// handleUpload streams a multipart body straight into staging. Text fields
// are only honoured when they precede the file part.
func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	var meta uploads.Metadata
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "file part is required")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		switch part.FormName() {
		case "title":
			meta.Title = readField(part)
		case "submitted_by":
			meta.SubmittedBy = readField(part)
		case "file":
			sub, err := s.daemon.Intake(r.Context(), part.FileName(), r.ContentLength, part, meta)
			_ = part.Close()
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusAccepted, sub)
			return
		}
		_ = part.Close()
	}
}

func readField(part *multipart.Part) string {
	data, _ := io.ReadAll(io.LimitReader(part, maxFormFieldBytes))
	return strings.TrimSpace(string(data))
}

func (s *apiServer) handleListUploads(w http.ResponseWriter, r *http.Request) {
	items := s.daemon.Submissions()
	if state := strings.TrimSpace(r.URL.Query().Get("state")); state != "" {
		filtered := items[:0]
		for _, sub := range items {
			if string(sub.State) == state {
				filtered = append(filtered, sub)
			}
		}
		items = filtered
	}
	s.writeJSON(w, http.StatusOK, uploadListResponse{Items: items})
}

func (s *apiServer) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.daemon.Submission(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *apiServer) handleResubmit(w http.ResponseWriter, r *http.Request) {
	sub, err := s.daemon.Resubmit(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sub)
}

// statusClientClosedRequest marks requests abandoned by the caller.
const statusClientClosedRequest = 499

func (s *apiServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, services.ErrResource):
		code = http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled):
		code = statusClientClosedRequest
	}
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.log()).Error("api request failed",
			logging.Error(err),
			logging.String("path", r.URL.Path),
		)
	}
	s.writeError(w, code, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
