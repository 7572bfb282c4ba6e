package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/siftcl/internal/config"
	"github.com/cwbudde/siftcl/internal/imageio"
	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/cwbudde/siftcl/internal/store"
)

// maxPipelines bounds the number of image shapes kept resident.
const maxPipelines = 4

// ErrQueueFull is returned by Enqueue when the job queue is at capacity.
var ErrQueueFull = errors.New("job queue is full")

type pipelineKey struct {
	shape sift.Shape
	typ   sift.ImageType
}

// Worker runs detection jobs one at a time. It owns one pipeline per image
// shape and element type; pipelines are only touched from Run.
type Worker struct {
	cfg   config.Config
	jm    *JobManager
	store store.Store
	queue chan string

	pipelines map[pipelineKey]*sift.Pipeline
	order     []pipelineKey
}

// NewWorker creates a worker with a queue of cfg.Server.QueueSize jobs.
// st may be nil, in which case results are never saved.
func NewWorker(cfg config.Config, jm *JobManager, st store.Store) *Worker {
	return &Worker{
		cfg:       cfg,
		jm:        jm,
		store:     st,
		queue:     make(chan string, max(cfg.Server.QueueSize, 1)),
		pipelines: make(map[pipelineKey]*sift.Pipeline),
	}
}

// Enqueue schedules a job without blocking.
func (w *Worker) Enqueue(jobID string) error {
	select {
	case w.queue <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes queued jobs until ctx is cancelled. Jobs still queued at
// that point are marked cancelled and every pipeline is closed.
func (w *Worker) Run(ctx context.Context) {
	defer w.closePipelines()
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case id := <-w.queue:
			if err := w.runJob(ctx, id); err != nil {
				slog.Debug("Job ended with error", "job_id", id, "error", err)
			}
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case id := <-w.queue:
			if job, ok := w.jm.GetJob(id); ok && job.State == StatePending {
				markJobCancelled(w.jm, id)
			}
		default:
			return
		}
	}
}

// pipeline returns the cached pipeline for the shape, building it on first
// use and evicting the oldest one when the cache is full.
func (w *Worker) pipeline(ctx context.Context, shape sift.Shape, typ sift.ImageType) (*sift.Pipeline, error) {
	key := pipelineKey{shape: shape, typ: typ}
	if p, ok := w.pipelines[key]; ok {
		return p, nil
	}
	if len(w.order) >= maxPipelines {
		oldest := w.order[0]
		w.order = w.order[1:]
		if err := w.pipelines[oldest].Close(); err != nil {
			slog.Warn("Failed to close evicted pipeline", "shape", oldest.shape.String(), "error", err)
		}
		delete(w.pipelines, oldest)
	}

	p, err := sift.NewPipeline(ctx, w.cfg.SiftConfig(shape, typ))
	if err != nil {
		return nil, err
	}
	slog.Info("Pipeline ready",
		"shape", shape.String(),
		"type", typ,
		"device", p.Info().Name,
		"octaves", len(p.Octaves()),
		"descriptors", p.DescriptorBackend().String(),
	)
	w.pipelines[key] = p
	w.order = append(w.order, key)
	return p, nil
}

func (w *Worker) closePipelines() {
	for _, key := range w.order {
		if err := w.pipelines[key].Close(); err != nil {
			slog.Warn("Failed to close pipeline", "shape", key.shape.String(), "error", err)
		}
	}
	w.pipelines = make(map[pipelineKey]*sift.Pipeline)
	w.order = nil
}

// thresholds merges the job overrides into the pipeline's configured values.
func thresholds(base sift.Params, cfg JobConfig) (peak, edge0, edge float32) {
	peak, edge0, edge = base.PeakThresh, base.EdgeThresh0, base.EdgeThresh
	if cfg.PeakThresh != nil {
		peak = *cfg.PeakThresh
	}
	if cfg.EdgeThresh0 != nil {
		edge0 = *cfg.EdgeThresh0
	}
	if cfg.EdgeThresh != nil {
		edge = *cfg.EdgeThresh
	}
	return peak, edge0, edge
}

// setStage records progress and notifies subscribers. It reports false
// when the job already reached a terminal state.
func (w *Worker) setStage(jobID string, state JobState, stage string) bool {
	active := false
	w.jm.UpdateJob(jobID, func(j *Job) {
		if j.State.Done() {
			return
		}
		active = true
		j.State = state
		j.Stage = stage
	})
	if job, ok := w.jm.GetJob(jobID); ok && active {
		w.jm.broadcaster.Broadcast(jobEvent(job))
	}
	return active
}

// runJob executes one detection job.
func (w *Worker) runJob(ctx context.Context, jobID string) error {
	job, exists := w.jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State != StatePending {
		slog.Debug("Skipping job", "job_id", jobID, "state", job.State)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.jm.setCancel(jobID, cancel)
	defer w.jm.setCancel(jobID, nil)

	if !w.setStage(jobID, StateRunning, "load") {
		return nil
	}
	slog.Info("Starting job", "job_id", jobID, "image", job.Config.ImagePath)

	mode, err := imageio.ParseMode(job.Config.Mode)
	if err != nil {
		markJobFailed(w.jm, jobID, err)
		return err
	}
	img, _, err := imageio.Load(job.Config.ImagePath, imageio.Options{
		Mode:       mode,
		AutoOrient: job.Config.AutoOrient,
		MaxDim:     job.Config.MaxDim,
	})
	if err != nil {
		markJobFailed(w.jm, jobID, err)
		return err
	}
	w.jm.UpdateJob(jobID, func(j *Job) {
		j.Width = img.Shape.Width
		j.Height = img.Shape.Height
	})

	w.setStage(jobID, StateRunning, "pipeline")
	pipe, err := w.pipeline(ctx, img.Shape, img.Type)
	if err != nil {
		if ctx.Err() != nil {
			markJobCancelled(w.jm, jobID)
			return ctx.Err()
		}
		markJobFailed(w.jm, jobID, fmt.Errorf("failed to build pipeline: %w", err))
		return err
	}
	pipe.SetThresholds(thresholds(pipe.Config().Params, job.Config))

	w.setStage(jobID, StateRunning, "detect")
	start := time.Now()
	kps, err := pipe.Detect(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			markJobCancelled(w.jm, jobID)
			return ctx.Err()
		}
		markJobFailed(w.jm, jobID, err)
		return err
	}
	elapsed := time.Since(start)

	counts := pipe.OctaveCounts()
	var (
		report *sift.ProfileReport
		events []sift.ProfileEvent
	)
	if prof := pipe.Profile(); prof.Enabled() {
		r := prof.Report()
		report = &r
		events = prof.Events()
	}

	saved := false
	if job.Config.Save && w.store != nil {
		w.setStage(jobID, StateRunning, "save")
		if err := w.save(jobID, job.Config, img, pipe, kps, counts, elapsed, report, events); err != nil {
			// The detection itself succeeded; keep the result in memory.
			slog.Warn("Failed to save result", "job_id", jobID, "error", err)
		} else {
			saved = true
		}
	}

	endTime := time.Now()
	err = w.jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Stage = ""
		j.Keypoints = len(kps)
		j.OctaveCounts = counts
		j.Device = pipe.Info().Name
		j.DescriptorBackend = pipe.DescriptorBackend().String()
		j.Saved = saved
		j.EndTime = &endTime
		j.kps = kps
		j.profile = report
		j.events = events
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"keypoints", len(kps),
		"per_octave", counts,
	)

	if job, ok := w.jm.GetJob(jobID); ok {
		w.jm.broadcaster.Broadcast(jobEvent(job))
	}
	return nil
}

// save persists the detection under the job id, with the profile trace
// next to it when the store is filesystem backed.
func (w *Worker) save(jobID string, cfg JobConfig, img *sift.Image, pipe *sift.Pipeline, kps []sift.Keypoint,
	counts []int, elapsed time.Duration, report *sift.ProfileReport, events []sift.ProfileEvent) error {
	pc := pipe.Config()
	params := pc.Params
	params.PeakThresh, params.EdgeThresh0, params.EdgeThresh = thresholds(params, cfg)

	r := store.NewResult(jobID, img.Shape, kps, counts, store.RunConfig{
		Source:            cfg.ImagePath,
		Backend:           string(pc.Backend),
		Device:            pipe.Info().Name,
		ImageType:         string(img.Type),
		DescriptorBackend: pipe.DescriptorBackend().String(),
		Params:            params,
	})
	r.Duration = elapsed
	r.Profile = report
	if err := w.store.Save(r); err != nil {
		return err
	}

	based, ok := w.store.(interface{ BaseDir() string })
	if !ok || len(events) == 0 {
		return nil
	}
	tw, err := store.NewTraceWriter(based.BaseDir(), jobID, false)
	if err != nil {
		return err
	}
	if err := tw.WriteAll(events); err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(jobEvent(job))
	}
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(jobEvent(job))
	}
	slog.Info("Job cancelled", "job_id", jobID)
}
