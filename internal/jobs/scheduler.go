package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/metrics"
	"github.com/motiondex/motiondex/internal/pipeline"
	"github.com/motiondex/motiondex/internal/store"
)

// cancelledReason marks videos failed by job cancellation.
const cancelledReason = "cancelled"

// VideoSubmission is one video in a batch request.
type VideoSubmission struct {
	VideoID  string            `json:"video_id"`
	VideoURL string            `json:"video_url"`
	Title    string            `json:"title,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Status is the user-visible progress of one job.
type Status struct {
	JobID              string          `json:"job_id"`
	Status             store.JobStatus `json:"status"`
	TotalVideos        int             `json:"total_videos"`
	Completed          int             `json:"completed"`
	Failed             int             `json:"failed"`
	ProgressPercentage float64         `json:"progress_percentage"`
	// ETASeconds is elapsed x remaining / done; nil until the first
	// unit finishes.
	ETASeconds   *float64  `json:"eta_seconds,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Scheduler owns batch submission, the worker pool, and job
// accounting. One worker owns a video until it reaches a terminal
// status, so metadata writes per video never race.
type Scheduler struct {
	queue    Queue
	indexer  *pipeline.Indexer
	metadata *store.MetadataStore
	workers  int
	logger   *slog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewScheduler wires a scheduler; call Start to launch the workers.
func NewScheduler(queue Queue, indexer *pipeline.Indexer, metadata *store.MetadataStore, workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		queue:    queue,
		indexer:  indexer,
		metadata: metadata,
		workers:  workers,
		logger:   logger,
	}
}

// Start launches the worker pool. Workers run until Stop or context
// cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		s.group.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
}

// Stop cancels the workers and waits for in-flight units to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		task, err := s.queue.Dequeue(ctx)
		if err != nil {
			if errors.IsKind(err, errors.KindCancelled) {
				return
			}
			s.logger.Error("dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		metrics.QueueDepth.Dec()
		s.process(ctx, task)
	}
}

// process runs one task through the pipeline and updates the job row.
func (s *Scheduler) process(ctx context.Context, task Task) {
	// A cancelled job marks its queued videos failed before the
	// worker sees them; skip those without double-counting.
	if rec, err := s.metadata.GetVideo(ctx, task.VideoID); err == nil {
		if rec.Status == store.StatusFailed && rec.ErrorMessage == cancelledReason {
			return
		}
	}

	if task.JobID != "" {
		if err := s.metadata.SetJobStatus(ctx, task.JobID, store.JobProcessing, ""); err != nil {
			s.logger.Warn("mark job processing", slog.String("job_id", task.JobID), slog.String("error", err.Error()))
		}
	}

	err := s.indexer.IndexVideo(ctx, pipeline.Request{
		VideoID:  task.VideoID,
		VideoURL: task.VideoURL,
		Title:    task.Title,
		JobID:    task.JobID,
		Tags:     task.Tags,
		Extra:    task.Extra,
	})

	if task.JobID == "" {
		return
	}
	var updateErr error
	if err != nil {
		updateErr = s.metadata.UpdateJobProgress(ctx, task.JobID, 0, 1)
	} else {
		updateErr = s.metadata.UpdateJobProgress(ctx, task.JobID, 1, 0)
	}
	if updateErr != nil {
		s.logger.Error("job progress update failed",
			slog.String("job_id", task.JobID), slog.String("error", updateErr.Error()))
		return
	}
	s.finalize(ctx, task.JobID)
}

// finalize transitions the job to a terminal status once every unit
// is accounted for.
func (s *Scheduler) finalize(ctx context.Context, jobID string) {
	job, err := s.metadata.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("job lookup failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	if job.Status.Terminal() || job.Done() < job.TotalVideos {
		return
	}

	status := store.JobCompleted
	if job.Failed > 0 {
		status = store.JobCompletedWithErrors
	}
	if err := s.metadata.SetJobStatus(ctx, jobID, status, ""); err != nil {
		s.logger.Error("job finalize failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("job finished",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.Int("completed", job.Completed),
		slog.Int("failed", job.Failed))
}

// SubmitBatch creates a job over the submissions and enqueues one task
// per video. An empty batch completes immediately.
func (s *Scheduler) SubmitBatch(ctx context.Context, subs []VideoSubmission) (string, error) {
	jobID := uuid.NewString()

	if err := s.metadata.CreateJob(ctx, jobID, len(subs), nil); err != nil {
		return "", err
	}
	if len(subs) == 0 {
		if err := s.metadata.SetJobStatus(ctx, jobID, store.JobCompleted, ""); err != nil {
			return "", err
		}
		return jobID, nil
	}

	for _, sub := range subs {
		if err := s.metadata.UpsertVideo(ctx, &store.VideoRecord{
			VideoID:  sub.VideoID,
			VideoURL: sub.VideoURL,
			Title:    sub.Title,
			Status:   store.StatusPending,
			JobID:    jobID,
			Tags:     sub.Tags,
			Extra:    sub.Extra,
		}); err != nil {
			s.abortSubmit(ctx, jobID, err)
			return "", err
		}
		if err := s.queue.Enqueue(ctx, Task{
			JobID:    jobID,
			VideoID:  sub.VideoID,
			VideoURL: sub.VideoURL,
			Title:    sub.Title,
			Tags:     sub.Tags,
			Extra:    sub.Extra,
		}); err != nil {
			s.abortSubmit(ctx, jobID, err)
			return "", err
		}
		metrics.QueueDepth.Inc()
	}

	s.logger.Info("job submitted", slog.String("job_id", jobID), slog.Int("videos", len(subs)))
	return jobID, nil
}

// abortSubmit marks a job failed when its tasks cannot be enqueued.
func (s *Scheduler) abortSubmit(ctx context.Context, jobID string, cause error) {
	if err := s.metadata.SetJobStatus(ctx, jobID, store.JobFailed, errors.Message(cause)); err != nil {
		s.logger.Error("mark job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// SubmitVideo enqueues a single video outside any job.
func (s *Scheduler) SubmitVideo(ctx context.Context, sub VideoSubmission) error {
	if err := s.metadata.UpsertVideo(ctx, &store.VideoRecord{
		VideoID:  sub.VideoID,
		VideoURL: sub.VideoURL,
		Title:    sub.Title,
		Status:   store.StatusPending,
		Tags:     sub.Tags,
		Extra:    sub.Extra,
	}); err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, Task{
		VideoID:  sub.VideoID,
		VideoURL: sub.VideoURL,
		Title:    sub.Title,
		Tags:     sub.Tags,
		Extra:    sub.Extra,
	}); err != nil {
		return err
	}
	metrics.QueueDepth.Inc()
	return nil
}

// Status returns the job's progress, with an ETA once at least one
// unit has finished.
func (s *Scheduler) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := s.metadata.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		JobID:        job.JobID,
		Status:       job.Status,
		TotalVideos:  job.TotalVideos,
		Completed:    job.Completed,
		Failed:       job.Failed,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
	}
	if job.TotalVideos > 0 {
		st.ProgressPercentage = float64(job.Done()) / float64(job.TotalVideos) * 100
	} else {
		st.ProgressPercentage = 100
	}

	done := job.Done()
	if done > 0 && !job.Status.Terminal() && !job.StartedAt.IsZero() {
		elapsed := time.Since(job.StartedAt).Seconds()
		remaining := job.TotalVideos - done
		eta := elapsed * float64(remaining) / float64(done)
		st.ETASeconds = &eta
	}
	return st, nil
}

// Cancel marks the job's queued videos failed. In-flight units run to
// completion.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.metadata.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return errors.Newf(errors.KindConflict, "job %s already %s", jobID, job.Status)
	}

	videos, err := s.metadata.ListVideosByJob(ctx, jobID)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, rec := range videos {
		if rec.Status != store.StatusPending {
			continue
		}
		if err := s.metadata.SetVideoStatus(ctx, rec.VideoID, store.StatusFailed, cancelledReason); err != nil {
			return err
		}
		if err := s.metadata.UpdateJobProgress(ctx, jobID, 0, 1); err != nil {
			return err
		}
		cancelled++
	}

	s.logger.Info("job cancelled", slog.String("job_id", jobID), slog.Int("queued_cancelled", cancelled))
	s.finalize(ctx, jobID)
	return nil
}

// Recover re-enqueues videos that were pending or in flight when the
// process died. It runs once at startup, before workers start.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	active, err := s.metadata.ListJobs(ctx, true)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range active {
		videos, err := s.metadata.ListVideosByJob(ctx, job.JobID)
		if err != nil {
			return recovered, err
		}
		for _, rec := range videos {
			if rec.Status.Terminal() {
				continue
			}
			// A processing row means the worker died mid-ingest;
			// reset it so the next attempt starts clean.
			if rec.Status == store.StatusProcessing {
				if err := s.metadata.SetVideoStatus(ctx, rec.VideoID, store.StatusPending, ""); err != nil {
					return recovered, err
				}
			}
			if err := s.queue.Enqueue(ctx, Task{
				JobID:    job.JobID,
				VideoID:  rec.VideoID,
				VideoURL: rec.VideoURL,
				Title:    rec.Title,
				Tags:     rec.Tags,
				Extra:    rec.Extra,
			}); err != nil {
				return recovered, err
			}
			metrics.QueueDepth.Inc()
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted work", slog.Int("videos", recovered))
	}
	return recovered, nil
}
