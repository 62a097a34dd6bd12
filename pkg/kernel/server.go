// Package kernel is the HTTP surface of codesense: job submission, polling,
// listing and health probes.
package kernel

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/manthysbr/codesense/internal/core/domain"
)

//go:embed openapi.yaml
var specYAML []byte

const (
	// multipartMemory is how much of an upload is kept in memory before
	// spilling to a temp file.
	multipartMemory = 32 << 20

	defaultListLimit = 100
	readyTimeout     = 2 * time.Second

	DefaultMaxUploadBytes = 100 << 20

	msgUploadFailed = "Failed to process uploaded file."
	msgInternal     = "Internal server error"
)

// JobService is what the HTTP layer needs from the orchestrator.
type JobService interface {
	Submit(ctx context.Context, sub domain.Submission) (domain.Job, error)
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	ActiveJobs() []domain.JobID
	Capacity() int
	Ping(ctx context.Context) error
}

type Options struct {
	MaxUploadBytes int64
	// RateLimit is submissions per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int
}

type SubmitResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
	Job    domain.Job       `json:"job"`
}

type GetJobResponse struct {
	Result domain.Job `json:"result"`
}

type ListJobsResponse struct {
	Jobs  []domain.Job `json:"jobs"`
	Count int          `json:"count"`
}

type ReadyResponse struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
	Capacity   int    `json:"capacity"`
}

type Server struct {
	logger  *slog.Logger
	jobs    JobService
	opts    Options
	doc     *openapi3.T
	router  routers.Router
	limiter *ipLimiter
}

// LoadSpec parses and validates the embedded OpenAPI document.
func LoadSpec(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("loading openapi spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	return doc, nil
}

func NewServer(logger *slog.Logger, jobs JobService, opts Options) (*Server, error) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}

	doc, err := LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("building openapi router: %w", err)
	}

	s := &Server{
		logger: logger,
		jobs:   jobs,
		opts:   opts,
		doc:    doc,
		router: router,
	}
	if opts.RateLimit > 0 {
		s.limiter = newIPLimiter(opts.RateLimit, opts.RateBurst)
	}
	return s, nil
}

// Handler returns the routed API with request validation and tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var submit http.Handler = http.HandlerFunc(s.handleSubmitJob)
	if s.limiter != nil {
		submit = s.limiter.middleware(submit)
	}
	mux.Handle("POST /v1/jobs", submit)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/openapi.json", s.handleOpenAPI)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	return otelhttp.NewHandler(s.validate(mux), "codesense.http")
}

// validate checks parameters of documented routes against the OpenAPI
// document. Bodies are excluded: uploads are streamed by the handler.
func (s *Server) validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, params, err := s.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		in := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options: &openapi3filter.Options{
				ExcludeRequestBody: true,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), in); err != nil {
			s.logger.InfoContext(r.Context(), "request rejected by schema", "path", r.URL.Path, "error", err)
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			s.writeError(w, r, err, msgUploadFailed)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "Expected a multipart/form-data body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sub := domain.Submission{
		Name:         r.FormValue("name"),
		ProjectID:    r.FormValue("project_id"),
		RequesterTag: r.FormValue("requester_tag"),
	}

	// A missing file leaves Archive nil and Submit reports it.
	file, header, err := r.FormFile("archive")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		s.writeError(w, r, err, msgUploadFailed)
		return
	default:
		defer file.Close()
		sub.Archive = file
		sub.ArchiveSize = header.Size
	}

	job, err := s.jobs.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err, msgUploadFailed)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:  string(job.ID),
		Status: job.Status,
		Job:    job,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", fmt.Sprintf("Invalid format for parameter id: %s", err))
		return
	}

	job, err := s.jobs.GetJob(r.Context(), domain.JobID(id.String()))
	if err != nil {
		s.writeError(w, r, err, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, GetJobResponse{Result: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		projectID *string
		status    *string
		limit     *int
	)
	query := r.URL.Query()
	for name, dest := range map[string]any{"project_id": &projectID, "status": &status, "limit": &limit} {
		if err := runtime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
			return
		}
	}

	filter := domain.JobFilter{Limit: defaultListLimit}
	if projectID != nil {
		filter.ProjectID = *projectID
	}
	if status != nil {
		filter.Status = domain.JobStatus(*status)
	}
	if limit != nil {
		filter.Limit = *limit
	}

	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err, msgInternal)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.doc)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := ReadyResponse{
		Status:     "ready",
		ActiveJobs: len(s.jobs.ActiveJobs()),
		Capacity:   s.jobs.Capacity(),
	}
	if err := s.jobs.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "readiness check failed", "error", err)
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
