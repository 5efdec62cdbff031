package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/motiondex/motiondex/internal/errors"
)

// conflictRetries bounds read-modify-write retries on SQLITE_BUSY.
const conflictRetries = 3

const metadataSchema = `
CREATE TABLE IF NOT EXISTS videos (
	video_id               TEXT PRIMARY KEY,
	video_url              TEXT NOT NULL DEFAULT '',
	title                  TEXT NOT NULL DEFAULT '',
	duration_seconds       REAL NOT NULL DEFAULT 0,
	resolution             TEXT NOT NULL DEFAULT '',
	fps                    REAL NOT NULL DEFAULT 0,
	file_size              INTEGER NOT NULL DEFAULT 0,
	created_at             TEXT NOT NULL,
	indexed_at             TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending','processing','completed','failed')),
	error_message          TEXT NOT NULL DEFAULT '',
	temporal_features_path TEXT NOT NULL DEFAULT '',
	thumbnail_url          TEXT NOT NULL DEFAULT '',
	processing_time_ms     REAL NOT NULL DEFAULT 0,
	job_id                 TEXT NOT NULL DEFAULT '',
	tags                   TEXT NOT NULL DEFAULT '[]',
	extra                  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_videos_status ON videos(status);
CREATE INDEX IF NOT EXISTS idx_videos_job ON videos(job_id);

CREATE TABLE IF NOT EXISTS indexing_jobs (
	job_id        TEXT PRIMARY KEY,
	total_videos  INTEGER NOT NULL,
	completed     INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'queued'
		CHECK(status IN ('queued','processing','completed','completed_with_errors','failed')),
	created_at    TEXT NOT NULL,
	started_at    TEXT NOT NULL DEFAULT '',
	completed_at  TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	extra         TEXT NOT NULL DEFAULT '{}',
	CHECK(completed + failed <= total_videos)
);

CREATE TABLE IF NOT EXISTS search_queries (
	query_id           TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL DEFAULT '',
	query_video_url    TEXT NOT NULL,
	filters            TEXT NOT NULL DEFAULT '{}',
	num_results        INTEGER NOT NULL,
	processing_time_ms REAL NOT NULL,
	created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS search_clicks (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id         TEXT NOT NULL,
	result_video_id  TEXT NOT NULL,
	rank             INTEGER NOT NULL,
	similarity_score REAL NOT NULL,
	clicked_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS anomaly_baselines (
	name          TEXT PRIMARY KEY,
	mean_variance BLOB NOT NULL,
	std_variance  BLOB NOT NULL,
	mean_motion   REAL NOT NULL,
	std_motion    REAL NOT NULL,
	num_videos    INTEGER NOT NULL,
	dim           INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);
`

// MetadataStore is the transactional relational record of video state,
// jobs, query logs, and anomaly baselines, backed by SQLite.
//
// The store uses a single connection, so a pipeline step always reads
// its own writes. Each status transition is one transaction.
type MetadataStore struct {
	db        *sql.DB
	opTimeout time.Duration
}

// MetadataOption configures a MetadataStore.
type MetadataOption func(*MetadataStore)

// WithOpTimeout bounds every store operation with its own deadline.
// Zero leaves only the caller's context deadline in effect.
func WithOpTimeout(d time.Duration) MetadataOption {
	return func(s *MetadataStore) { s.opTimeout = d }
}

// NewMetadataStore opens (or creates) the database at path.
func NewMetadataStore(path string, opts ...MetadataOption) (*MetadataStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, "create metadata directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "open metadata database", err)
	}

	// Single connection: serialized writes and read-your-writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(errors.KindIO, "apply sqlite pragma", err)
		}
	}

	if _, err := db.Exec(metadataSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.KindIO, "create metadata schema", err)
	}

	s := &MetadataStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// opCtx derives the per-operation deadline when one is configured.
func (s *MetadataStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// isBusy reports whether the error is a SQLite lock-contention failure.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// exec runs a write statement with a bounded conflict retry.
func (s *MetadataStore) exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return errors.Wrap(errors.KindIO, "metadata write", err)
		}
		lastErr = err
	}
	return errors.Wrap(errors.KindConflict, "metadata write contention", lastErr)
}

// UpsertVideo inserts or updates the full video row.
func (s *MetadataStore) UpsertVideo(ctx context.Context, rec *VideoRecord) error {
	if rec.VideoID == "" {
		return errors.New(errors.KindInternal, "video id must not be empty")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tags, err := json.Marshal(emptyIfNilSlice(rec.Tags))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal tags", err)
	}
	extra, err := json.Marshal(emptyIfNilMap(rec.Extra))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal extra metadata", err)
	}

	return s.exec(ctx, `
		INSERT INTO videos (video_id, video_url, title, duration_seconds, resolution, fps,
			file_size, created_at, indexed_at, status, error_message,
			temporal_features_path, thumbnail_url, processing_time_ms, job_id, tags, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			video_url = excluded.video_url,
			title = excluded.title,
			duration_seconds = excluded.duration_seconds,
			resolution = excluded.resolution,
			fps = excluded.fps,
			file_size = excluded.file_size,
			indexed_at = excluded.indexed_at,
			status = excluded.status,
			error_message = excluded.error_message,
			temporal_features_path = excluded.temporal_features_path,
			thumbnail_url = excluded.thumbnail_url,
			processing_time_ms = excluded.processing_time_ms,
			job_id = excluded.job_id,
			tags = excluded.tags,
			extra = excluded.extra`,
		rec.VideoID, rec.VideoURL, rec.Title, rec.DurationSeconds, rec.Resolution, rec.FPS,
		rec.FileSize, formatTime(rec.CreatedAt), formatTime(rec.IndexedAt), string(rec.Status),
		rec.ErrorMessage, rec.TemporalFeaturesPath, rec.ThumbnailURL, rec.ProcessingTimeMS,
		rec.JobID, string(tags), string(extra))
}

// SetVideoStatus transitions a video's status in a single statement.
// Completed transitions stamp indexed_at; failures record the message.
func (s *MetadataStore) SetVideoStatus(ctx context.Context, videoID string, status VideoStatus, errMsg string) error {
	now := formatTime(time.Now().UTC())
	var err error
	switch status {
	case StatusCompleted:
		err = s.exec(ctx,
			`UPDATE videos SET status = ?, error_message = '', indexed_at = ? WHERE video_id = ?`,
			string(status), now, videoID)
	default:
		err = s.exec(ctx,
			`UPDATE videos SET status = ?, error_message = ? WHERE video_id = ?`,
			string(status), errMsg, videoID)
	}
	return err
}

// GetVideo returns the video row or not_found.
func (s *MetadataStore) GetVideo(ctx context.Context, videoID string) (*VideoRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT video_id, video_url, title, duration_seconds, resolution, fps, file_size,
			created_at, indexed_at, status, error_message, temporal_features_path,
			thumbnail_url, processing_time_ms, job_id, tags, extra
		FROM videos WHERE video_id = ?`, videoID)
	rec, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "video %s not found", videoID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read video row", err)
	}
	return rec, nil
}

// ListVideos returns videos, optionally restricted to one status,
// ordered by video-id.
func (s *MetadataStore) ListVideos(ctx context.Context, status VideoStatus) ([]*VideoRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	query := `
		SELECT video_id, video_url, title, duration_seconds, resolution, fps, file_size,
			created_at, indexed_at, status, error_message, temporal_features_path,
			thumbnail_url, processing_time_ms, job_id, tags, extra
		FROM videos`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY video_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list videos", err)
	}
	defer rows.Close()

	var out []*VideoRecord
	for rows.Next() {
		rec, err := scanVideo(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan video row", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListVideosByJob returns the videos belonging to a job.
func (s *MetadataStore) ListVideosByJob(ctx context.Context, jobID string) ([]*VideoRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT video_id, video_url, title, duration_seconds, resolution, fps, file_size,
			created_at, indexed_at, status, error_message, temporal_features_path,
			thumbnail_url, processing_time_ms, job_id, tags, extra
		FROM videos WHERE job_id = ? ORDER BY video_id`, jobID)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list job videos", err)
	}
	defer rows.Close()

	var out []*VideoRecord
	for rows.Next() {
		rec, err := scanVideo(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan video row", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteVideo removes the video row. Missing rows are a no-op.
func (s *MetadataStore) DeleteVideo(ctx context.Context, videoID string) error {
	return s.exec(ctx, `DELETE FROM videos WHERE video_id = ?`, videoID)
}

// CountVideos counts videos, optionally by status.
func (s *MetadataStore) CountVideos(ctx context.Context, status VideoStatus) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	query := `SELECT COUNT(*) FROM videos`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.KindIO, "count videos", err)
	}
	return n, nil
}

// CreateJob inserts a new job row in the queued state.
func (s *MetadataStore) CreateJob(ctx context.Context, jobID string, total int, extra map[string]string) error {
	meta, err := json.Marshal(emptyIfNilMap(extra))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal job metadata", err)
	}
	return s.exec(ctx, `
		INSERT INTO indexing_jobs (job_id, total_videos, status, created_at, extra)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, total, string(JobQueued), formatTime(time.Now().UTC()), string(meta))
}

// UpdateJobProgress atomically bumps the completed/failed counters.
// The deltas are applied in a single statement, so concurrent workers
// never lose updates.
func (s *MetadataStore) UpdateJobProgress(ctx context.Context, jobID string, completedDelta, failedDelta int) error {
	return s.exec(ctx, `
		UPDATE indexing_jobs SET completed = completed + ?, failed = failed + ?
		WHERE job_id = ?`, completedDelta, failedDelta, jobID)
}

// SetJobStatus transitions a job's status. The first processing
// transition stamps started_at; terminal transitions stamp completed_at.
func (s *MetadataStore) SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	now := formatTime(time.Now().UTC())
	switch {
	case status == JobProcessing:
		return s.exec(ctx, `
			UPDATE indexing_jobs SET status = ?,
				started_at = CASE WHEN started_at = '' THEN ? ELSE started_at END
			WHERE job_id = ?`, string(status), now, jobID)
	case status.Terminal():
		return s.exec(ctx, `
			UPDATE indexing_jobs SET status = ?, error_message = ?, completed_at = ?
			WHERE job_id = ?`, string(status), errMsg, now, jobID)
	default:
		return s.exec(ctx, `
			UPDATE indexing_jobs SET status = ?, error_message = ? WHERE job_id = ?`,
			string(status), errMsg, jobID)
	}
}

// GetJob returns the job row or not_found.
func (s *MetadataStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, total_videos, completed, failed, status, created_at,
			started_at, completed_at, error_message, extra
		FROM indexing_jobs WHERE job_id = ?`, jobID)

	var j Job
	var status, createdAt, startedAt, completedAt, extra string
	err := row.Scan(&j.JobID, &j.TotalVideos, &j.Completed, &j.Failed, &status,
		&createdAt, &startedAt, &completedAt, &j.ErrorMessage, &extra)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read job row", err)
	}

	j.Status = JobStatus(status)
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = parseTime(startedAt)
	j.CompletedAt = parseTime(completedAt)
	if err := json.Unmarshal([]byte(extra), &j.Extra); err != nil {
		j.Extra = map[string]string{}
	}
	return &j, nil
}

// ListJobs returns jobs, optionally restricted to non-terminal statuses.
func (s *MetadataStore) ListJobs(ctx context.Context, activeOnly bool) ([]*Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	query := `
		SELECT job_id, total_videos, completed, failed, status, created_at,
			started_at, completed_at, error_message, extra
		FROM indexing_jobs`
	if activeOnly {
		query += ` WHERE status IN ('queued', 'processing')`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		var status, createdAt, startedAt, completedAt, extra string
		if err := rows.Scan(&j.JobID, &j.TotalVideos, &j.Completed, &j.Failed, &status,
			&createdAt, &startedAt, &completedAt, &j.ErrorMessage, &extra); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan job row", err)
		}
		j.Status = JobStatus(status)
		j.CreatedAt = parseTime(createdAt)
		j.StartedAt = parseTime(startedAt)
		j.CompletedAt = parseTime(completedAt)
		if err := json.Unmarshal([]byte(extra), &j.Extra); err != nil {
			j.Extra = map[string]string{}
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// LogQuery appends a search query record.
func (s *MetadataStore) LogQuery(ctx context.Context, q *QueryLog) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if q.Filters == "" {
		q.Filters = "{}"
	}
	return s.exec(ctx, `
		INSERT INTO search_queries (query_id, user_id, query_video_url, filters,
			num_results, processing_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.QueryID, q.UserID, q.QueryVideoURL, q.Filters, q.NumResults,
		q.ProcessingTimeMS, formatTime(q.CreatedAt))
}

// LogClick appends a result click record.
func (s *MetadataStore) LogClick(ctx context.Context, c *ClickLog) error {
	if c.ClickedAt.IsZero() {
		c.ClickedAt = time.Now().UTC()
	}
	return s.exec(ctx, `
		INSERT INTO search_clicks (query_id, result_video_id, rank, similarity_score, clicked_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.QueryID, c.ResultVideoID, c.Rank, c.SimilarityScore, formatTime(c.ClickedAt))
}

// CountQueries returns the number of logged queries.
func (s *MetadataStore) CountQueries(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_queries`).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.KindIO, "count queries", err)
	}
	return n, nil
}

// SaveBaseline upserts the anomaly baseline under its name.
func (s *MetadataStore) SaveBaseline(ctx context.Context, b *BaselineRecord) error {
	if b.Name == "" {
		b.Name = "default"
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, `
		INSERT INTO anomaly_baselines (name, mean_variance, std_variance, mean_motion,
			std_motion, num_videos, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			mean_variance = excluded.mean_variance,
			std_variance = excluded.std_variance,
			mean_motion = excluded.mean_motion,
			std_motion = excluded.std_motion,
			num_videos = excluded.num_videos,
			dim = excluded.dim,
			created_at = excluded.created_at`,
		b.Name, floatsToBlob(b.MeanVariance), floatsToBlob(b.StdVariance),
		b.MeanMotion, b.StdMotion, b.NumVideos, b.Dim, formatTime(b.CreatedAt))
}

// GetBaseline returns the named baseline or not_found.
func (s *MetadataStore) GetBaseline(ctx context.Context, name string) (*BaselineRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if name == "" {
		name = "default"
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT name, mean_variance, std_variance, mean_motion, std_motion,
			num_videos, dim, created_at
		FROM anomaly_baselines WHERE name = ?`, name)

	var b BaselineRecord
	var meanBlob, stdBlob []byte
	var createdAt string
	err := row.Scan(&b.Name, &meanBlob, &stdBlob, &b.MeanMotion, &b.StdMotion,
		&b.NumVideos, &b.Dim, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "baseline %s not found", name)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read baseline row", err)
	}

	b.MeanVariance = blobToFloats(meanBlob)
	b.StdVariance = blobToFloats(stdBlob)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// Clear removes every row from every table. Admin operation only.
func (s *MetadataStore) Clear(ctx context.Context) error {
	for _, table := range []string{"videos", "indexing_jobs", "search_queries", "search_clicks", "anomaly_baselines"} {
		if err := s.exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *MetadataStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanVideo.
type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (*VideoRecord, error) {
	var rec VideoRecord
	var status, createdAt, indexedAt, tags, extra string
	err := row.Scan(&rec.VideoID, &rec.VideoURL, &rec.Title, &rec.DurationSeconds,
		&rec.Resolution, &rec.FPS, &rec.FileSize, &createdAt, &indexedAt, &status,
		&rec.ErrorMessage, &rec.TemporalFeaturesPath, &rec.ThumbnailURL,
		&rec.ProcessingTimeMS, &rec.JobID, &tags, &extra)
	if err != nil {
		return nil, err
	}
	rec.Status = VideoStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.IndexedAt = parseTime(indexedAt)
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		rec.Tags = nil
	}
	if err := json.Unmarshal([]byte(extra), &rec.Extra); err != nil {
		rec.Extra = map[string]string{}
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func floatsToBlob(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func blobToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func emptyIfNilSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyIfNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
