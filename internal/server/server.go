package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cwbudde/siftcl/internal/config"
	"github.com/cwbudde/siftcl/internal/imageio"
	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/cwbudde/siftcl/internal/store"
)

// Server represents the HTTP server
type Server struct {
	cfg        config.Config
	jobManager *JobManager
	worker     *Worker
	store      store.Store
	addr       string
	server     *http.Server

	stopWorker context.CancelFunc
	workerDone chan struct{}
}

// NewServer creates a new HTTP server. st may be nil to disable the result
// endpoints and saving.
func NewServer(cfg config.Config, st store.Store) *Server {
	jm := NewJobManager()
	return &Server{
		cfg:        cfg,
		jobManager: jm,
		worker:     NewWorker(cfg, jm, st),
		store:      st,
		addr:       cfg.Server.Addr,
	}
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)

	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/results", s.handleResults)
	mux.HandleFunc("/api/v1/results/", s.handleResultsWithID)
	mux.HandleFunc("/api/v1/devices", s.handleDevices)
	mux.HandleFunc("/ws", s.handleWebSocket)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// StartWorker launches the job worker. It is called by Start and may be
// used directly when serving through Handler.
func (s *Server) StartWorker(ctx context.Context) {
	if s.workerDone != nil {
		return
	}
	ctx, s.stopWorker = context.WithCancel(ctx)
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		s.worker.Run(ctx)
	}()
}

// Start starts the worker and the HTTP server. It blocks until the server
// stops.
func (s *Server) Start(ctx context.Context) error {
	s.StartWorker(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server, then stops the worker and
// waits for it to release its pipelines.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.stopWorker != nil {
		s.stopWorker()
		select {
		case <-s.workerDone:
		case <-ctx.Done():
			return errors.Join(err, fmt.Errorf("worker did not stop: %w", ctx.Err()))
		}
	}
	return err
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetJob(w, r, jobID)
		case http.MethodDelete:
			s.handleCancelJob(w, r, jobID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "status":
		s.handleGetJob(w, r, jobID)
	case "keypoints":
		s.handleGetKeypoints(w, r, jobID)
	case "profile":
		s.handleGetProfile(w, r, jobID)
	case "events":
		s.handleJobStream(w, r, jobID)
	case "overlay.png":
		s.handleGetOverlay(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if config.ImagePath == "" {
		http.Error(w, "imagePath is required", http.StatusBadRequest)
		return
	}
	if _, err := imageio.ParseMode(config.Mode); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if config.MaxDim < 0 {
		http.Error(w, "maxDim must not be negative", http.StatusBadRequest)
		return
	}
	for name, v := range map[string]*float32{
		"peakThresh": config.PeakThresh, "edgeThresh": config.EdgeThresh, "edgeThresh0": config.EdgeThresh0,
	} {
		if v != nil && *v <= 0 {
			http.Error(w, name+" must be positive", http.StatusBadRequest)
			return
		}
	}
	if config.Save && s.store == nil {
		http.Error(w, "result store is disabled", http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(config)
	if err := s.worker.Enqueue(job.ID); err != nil {
		markJobFailed(s.jobManager, job.ID, err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobManager.ListJobs()
	out := make([]jobStatus, len(jobs))
	for i, job := range jobs {
		out[i] = jobStatus{Job: job, ElapsedSeconds: job.Elapsed().Seconds()}
	}
	writeJSON(w, http.StatusOK, out)
}

// jobStatus is the GET /api/v1/jobs/:id response.
type jobStatus struct {
	*Job
	ElapsedSeconds float64 `json:"elapsed"`
}

// handleGetJob handles GET /api/v1/jobs/:id
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{Job: job, ElapsedSeconds: job.Elapsed().Seconds()})
}

// handleCancelJob handles DELETE /api/v1/jobs/:id
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	state, err := s.jobManager.CancelJob(jobID)
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if state == StateCancelled {
		if job, ok := s.jobManager.GetJob(jobID); ok {
			s.jobManager.broadcaster.Broadcast(jobEvent(job))
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": jobID, "state": state})
}

// keypointJSON is the wire form of a keypoint. Descriptor is base64.
type keypointJSON struct {
	sift.RawKeypoint
	Descriptor []byte `json:"descriptor,omitempty"`
}

func encodeKeypoints(kps []sift.Keypoint, withDesc bool) []keypointJSON {
	out := make([]keypointJSON, len(kps))
	for i, k := range kps {
		out[i].RawKeypoint = k.Raw()
		if withDesc {
			out[i].Descriptor = append([]byte(nil), k.Desc[:]...)
		}
	}
	return out
}

// completedJob returns the job when it has results, writing an error
// response otherwise.
func (s *Server) completedJob(w http.ResponseWriter, jobID string) (*Job, bool) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return nil, false
	}
	if job.State != StateCompleted {
		http.Error(w, fmt.Sprintf("Job is %s", job.State), http.StatusConflict)
		return nil, false
	}
	return job, true
}

// handleGetKeypoints handles GET /api/v1/jobs/:id/keypoints
func (s *Server) handleGetKeypoints(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := s.completedJob(w, jobID); !ok {
		return
	}
	kps, _, _, _ := s.jobManager.Results(jobID)
	withDesc, _ := strconv.ParseBool(r.URL.Query().Get("descriptors"))
	writeJSON(w, http.StatusOK, encodeKeypoints(kps, withDesc))
}

// profileResponse is the GET /api/v1/jobs/:id/profile response.
type profileResponse struct {
	Report *sift.ProfileReport `json:"report"`
	Events []sift.ProfileEvent `json:"events"`
}

// handleGetProfile handles GET /api/v1/jobs/:id/profile
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := s.completedJob(w, jobID); !ok {
		return
	}
	_, report, events, _ := s.jobManager.Results(jobID)
	if report == nil {
		http.Error(w, "Profiling is disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Report: report, Events: events})
}

// handleGetOverlay handles GET /api/v1/jobs/:id/overlay.png
func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.completedJob(w, jobID)
	if !ok {
		return
	}
	kps, _, _, _ := s.jobManager.Results(jobID)

	mode, _ := imageio.ParseMode(job.Config.Mode)
	_, src, err := imageio.Load(job.Config.ImagePath, imageio.Options{
		Mode:       mode,
		AutoOrient: job.Config.AutoOrient,
		MaxDim:     job.Config.MaxDim,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load image: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, imageio.Overlay(src, kps)); err != nil {
		slog.Error("Failed to encode PNG", "error", err)
	}
}

// handleDevices handles GET /api/v1/devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Inventory().Platforms())
}

// querier is implemented by stores with a metadata index.
type querier interface {
	Query(ctx context.Context, f store.Filter) ([]store.ResultInfo, error)
}

// handleResults handles GET /api/v1/results. Indexed stores accept the
// source, min and limit query parameters.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "Result store is disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	var (
		infos []store.ResultInfo
		err   error
	)
	if idx, ok := s.store.(querier); ok {
		f := store.Filter{Source: q.Get("source")}
		if f.MinKeypoints, err = intParam(q.Get("min")); err != nil {
			http.Error(w, "min: "+err.Error(), http.StatusBadRequest)
			return
		}
		if f.Limit, err = intParam(q.Get("limit")); err != nil {
			http.Error(w, "limit: "+err.Error(), http.StatusBadRequest)
			return
		}
		infos, err = idx.Query(r.Context(), f)
	} else {
		infos, err = s.store.List()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("want a non-negative integer, got %q", v)
	}
	return n, nil
}

// resultResponse is the GET /api/v1/results/:id response.
type resultResponse struct {
	*store.Result
	Keypoints []keypointJSON `json:"keypoints"`
}

// handleResultsWithID handles /api/v1/results/:id
func (s *Server) handleResultsWithID(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "Result store is disabled", http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/results/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Result ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		res, err := s.store.Load(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		withDesc, _ := strconv.ParseBool(r.URL.Query().Get("descriptors"))
		writeJSON(w, http.StatusOK, resultResponse{Result: res, Keypoints: encodeKeypoints(res.Keypoints, withDesc)})
	case http.MethodDelete:
		if err := s.store.Delete(id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
