package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

const uniqueViolation = "23505"

// Postgres реализует хранилища задач и комнат на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var (
	_ domain.JobStore  = (*postgresJobs)(nil)
	_ domain.RoomStore = (*postgresRooms)(nil)
)

// Jobs возвращает хранилище задач.
func (p *Postgres) Jobs() domain.JobStore { return (*postgresJobs)(p) }

// Rooms возвращает хранилище комнат.
func (p *Postgres) Rooms() domain.RoomStore { return (*postgresRooms)(p) }

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

type postgresJobs Postgres

const jobColumns = `id, identity, source, status, stage, progress, items, meta, analyses, profile, plan,
attempts, best_score, result, error, created_at, updated_at, finished_at`

// jobRow: JSON-поля задачи в сериализованном виде.
type jobRow struct {
	items, meta, analyses, profile, plan, attempts, result, jobErr []byte
}

func encodeJob(job domain.Job) (jobRow, error) {
	var (
		row jobRow
		err error
	)
	fields := []struct {
		dst *[]byte
		v   any
		set bool
	}{
		{&row.items, job.Items, job.Items != nil},
		{&row.meta, job.Meta, job.Meta != nil},
		{&row.analyses, job.Analyses, job.Analyses != nil},
		{&row.profile, job.Profile, job.Profile != nil},
		{&row.plan, job.Plan, job.Plan != nil},
		{&row.attempts, job.Attempts, job.Attempts != nil},
		{&row.result, job.Result, job.Result != nil},
		{&row.jobErr, job.Error, job.Error != nil},
	}
	for _, f := range fields {
		if !f.set {
			continue
		}
		if *f.dst, err = json.Marshal(f.v); err != nil {
			return jobRow{}, fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
	}
	return row, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		job    domain.Job
		raw    jobRow
		source string
		status string
		stage  int16
	)
	err := row.Scan(&job.ID, &job.Identity, &source, &status, &stage, &job.Progress,
		&raw.items, &raw.meta, &raw.analyses, &raw.profile, &raw.plan, &raw.attempts,
		&job.BestScore, &raw.result, &raw.jobErr, &job.CreatedAt, &job.UpdatedAt, &job.FinishedAt)
	if err != nil {
		return domain.Job{}, err
	}
	job.Source = domain.JobSource(source)
	job.Status = domain.JobStatus(status)
	job.Stage = int(stage)

	decode := []struct {
		data []byte
		dst  any
	}{
		{raw.items, &job.Items},
		{raw.meta, &job.Meta},
		{raw.analyses, &job.Analyses},
		{raw.profile, &job.Profile},
		{raw.plan, &job.Plan},
		{raw.attempts, &job.Attempts},
		{raw.result, &job.Result},
		{raw.jobErr, &job.Error},
	}
	for _, d := range decode {
		if len(d.data) == 0 {
			continue
		}
		if err := json.Unmarshal(d.data, d.dst); err != nil {
			return domain.Job{}, fmt.Errorf("decode job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

// Create вставляет задачу. Частичный уникальный индекс jobs_active_identity_uidx
// не даёт создать вторую активную задачу для identity.
func (s *postgresJobs) Create(ctx context.Context, job domain.Job) error {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.pool.Exec(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`, job.ID, job.Identity, string(job.Source), string(job.Status), job.Stage, job.Progress,
		raw.items, raw.meta, raw.analyses, raw.profile, raw.plan, raw.attempts,
		job.BestScore, raw.result, raw.jobErr, job.CreatedAt, job.UpdatedAt, job.FinishedAt)
	metrics.ObserveNetworkRequest("postgres", "jobs_insert", "jobs", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrActiveJobExists
		}
		return err
	}
	return nil
}

func (s *postgresJobs) Get(ctx context.Context, id string) (domain.Job, error) {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "jobs_get", "jobs", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

func (s *postgresJobs) GetByIdentity(ctx context.Context, identity string) (domain.Job, error) {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	job, err := scanJob(s.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE identity = $1
ORDER BY (status NOT IN ('completed', 'failed')) DESC, created_at DESC
LIMIT 1
`, identity))
	metrics.ObserveNetworkRequest("postgres", "jobs_get_by_identity", "jobs", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

// Update заменяет запись, только если задача ещё не завершена и стадия не уменьшается.
func (s *postgresJobs) Update(ctx context.Context, job domain.Job) error {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $2, stage = $3, progress = $4, items = $5, meta = $6, analyses = $7, profile = $8,
    plan = $9, attempts = $10, best_score = $11, result = $12, error = $13, updated_at = $14,
    finished_at = $15
WHERE id = $1
  AND identity = $16
  AND status NOT IN ('completed', 'failed')
  AND stage <= $3
`, job.ID, string(job.Status), job.Stage, job.Progress, raw.items, raw.meta, raw.analyses,
		raw.profile, raw.plan, raw.attempts, job.BestScore, raw.result, raw.jobErr, job.UpdatedAt,
		job.FinishedAt, job.Identity)
	metrics.ObserveNetworkRequest("postgres", "jobs_update", "jobs", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, job.ID); errors.Is(getErr, domain.ErrJobNotFound) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("%w: job %s", domain.ErrInvalidTransition, job.ID)
	}
	return nil
}

func (s *postgresJobs) ListStale(ctx context.Context, updatedBefore time.Time) ([]domain.Job, error) {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status NOT IN ('completed', 'failed') AND updated_at < $1
ORDER BY updated_at
`, updatedBefore)
	metrics.ObserveNetworkRequest("postgres", "jobs_list_stale", "jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type postgresRooms Postgres

const roomColumns = `id, identity, job_id, persona_summary, bundle_url, collider_url, panorama_url, preview_url, viewpoint, created_at`

func scanRoom(row pgx.Row) (domain.Room, error) {
	var (
		room      domain.Room
		viewpoint []byte
	)
	err := row.Scan(&room.ID, &room.Identity, &room.JobID, &room.PersonaSummary, &room.BundleURL,
		&room.ColliderURL, &room.PanoramaURL, &room.PreviewURL, &viewpoint, &room.CreatedAt)
	if err != nil {
		return domain.Room{}, err
	}
	if err := json.Unmarshal(viewpoint, &room.Viewpoint); err != nil {
		return domain.Room{}, fmt.Errorf("decode room %s viewpoint: %w", room.ID, err)
	}
	return room, nil
}

func (s *postgresRooms) Save(ctx context.Context, room domain.Room) error {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	viewpoint, err := json.Marshal(room.Viewpoint)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.pool.Exec(ctx, `
INSERT INTO rooms (`+roomColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET persona_summary = EXCLUDED.persona_summary,
    bundle_url = EXCLUDED.bundle_url,
    collider_url = EXCLUDED.collider_url,
    panorama_url = EXCLUDED.panorama_url,
    preview_url = EXCLUDED.preview_url,
    viewpoint = EXCLUDED.viewpoint
`, room.ID, room.Identity, room.JobID, room.PersonaSummary, room.BundleURL, room.ColliderURL,
		room.PanoramaURL, room.PreviewURL, viewpoint, room.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "rooms_upsert", "rooms", start, err)
	return err
}

func (s *postgresRooms) Delete(ctx context.Context, id string) error {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "rooms_delete", "rooms", start, err)
	return err
}

func (s *postgresRooms) Get(ctx context.Context, id string) (domain.Room, error) {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "rooms_get", "rooms", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, err
}

func (s *postgresRooms) GetByIdentity(ctx context.Context, identity string) (domain.Room, error) {
	ctx, cancel := (*Postgres)(s).connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	room, err := scanRoom(s.pool.QueryRow(ctx, `
SELECT `+roomColumns+`
FROM rooms
WHERE identity = $1
ORDER BY created_at DESC
LIMIT 1
`, identity))
	metrics.ObserveNetworkRequest("postgres", "rooms_get_by_identity", "rooms", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, err
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}
