// Package sqlstore is an embedded-SQL JobStore backend for TaskHub, built on
// a pure-Go SQLite driver (modernc.org/sqlite) accessed through sqlx. It
// implements a reference schema: a tasks
// table, a jobs table keyed by (taskId, id), and a claim index over
// (taskId, status, scheduledAt).
package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"go.taskhub.dev/taskhub/codec"
	"go.taskhub.dev/taskhub/l3"
	"go.taskhub.dev/taskhub/store"
)

var logger = l3.Get()

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	sourceType TEXT NOT NULL,
	merkleRoot TEXT,
	status TEXT NOT NULL,
	totalJobs INTEGER NOT NULL DEFAULT 0,
	completedJobs INTEGER NOT NULL DEFAULT 0,
	failedJobs INTEGER NOT NULL DEFAULT 0,
	concurrencyJson TEXT NOT NULL,
	retryJson TEXT NOT NULL,
	timeoutMs INTEGER,
	failOnJobFailure INTEGER NOT NULL DEFAULT 0,
	createdAt INTEGER NOT NULL,
	updatedAt INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT NOT NULL,
	taskId TEXT NOT NULL,
	inputBlob BLOB,
	outputBlob BLOB,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	lastError TEXT,
	scheduledAt INTEGER NOT NULL,
	updatedAt INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (taskId, id),
	FOREIGN KEY (taskId) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS jobs_claim ON jobs(taskId, status, scheduledAt);
`

// batchSize bounds the number of job rows inserted per INSERT statement by
// CreateTask; all of a Task's batches share one transaction.
const batchSize = 1000

// Store is a modernc.org/sqlite-backed store.JobStore.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) a SQLite database at path, enables WAL
// mode as the schema's durability recommendation, and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: open")
	}
	// SQLite allows only one writer; a single connection avoids
	// "database is locked" errors under concurrent Task schedulers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Wrap(err, "sqlstore: enable WAL")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, errors.Wrap(err, "sqlstore: enable foreign keys")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "sqlstore: create schema")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type taskRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	SourceType       string `db:"sourceType"`
	MerkleRoot       sql.NullString `db:"merkleRoot"`
	Status           string `db:"status"`
	TotalJobs        int    `db:"totalJobs"`
	CompletedJobs    int    `db:"completedJobs"`
	FailedJobs       int    `db:"failedJobs"`
	ConcurrencyJson  string `db:"concurrencyJson"`
	RetryJson        string `db:"retryJson"`
	TimeoutMs        sql.NullInt64 `db:"timeoutMs"`
	FailOnJobFailure bool   `db:"failOnJobFailure"`
	CreatedAt        int64  `db:"createdAt"`
	UpdatedAt        int64  `db:"updatedAt"`
}

type jobRow struct {
	ID          string `db:"id"`
	TaskID      string `db:"taskId"`
	InputBlob   []byte `db:"inputBlob"`
	OutputBlob  []byte `db:"outputBlob"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	LastError   sql.NullString `db:"lastError"`
	ScheduledAt int64  `db:"scheduledAt"`
	UpdatedAt   int64  `db:"updatedAt"`
	Seq         int64  `db:"seq"`
}

func toTaskRow(t *store.Task) (*taskRow, error) {
	concJSON, err := codec.JsonCodec().EncodeToString(t.Concurrency)
	if err != nil {
		return nil, errors.Wrap(err, "encode concurrency config")
	}
	retryJSON, err := codec.JsonCodec().EncodeToString(t.Retry)
	if err != nil {
		return nil, errors.Wrap(err, "encode retry config")
	}
	row := &taskRow{
		ID:               t.ID,
		Name:             t.Name,
		SourceType:       string(t.SourceType),
		Status:           string(t.Status),
		TotalJobs:        t.TotalJobs,
		CompletedJobs:    t.CompletedJobs,
		FailedJobs:       t.FailedJobs,
		ConcurrencyJson:  concJSON,
		RetryJson:        retryJSON,
		FailOnJobFailure: t.FailTaskOnFailure,
		CreatedAt:        t.CreatedAt.UnixMilli(),
		UpdatedAt:        t.UpdatedAt.UnixMilli(),
	}
	if t.MerkleRoot != "" {
		row.MerkleRoot = sql.NullString{String: t.MerkleRoot, Valid: true}
	}
	if t.TimeoutMs > 0 {
		row.TimeoutMs = sql.NullInt64{Int64: t.TimeoutMs, Valid: true}
	}
	return row, nil
}

func fromTaskRow(row *taskRow) (*store.Task, error) {
	var conc store.ConcurrencyConfig
	if err := codec.JsonCodec().DecodeString(row.ConcurrencyJson, &conc); err != nil {
		return nil, errors.Wrap(err, "decode concurrency config")
	}
	var retry store.RetryConfig
	if err := codec.JsonCodec().DecodeString(row.RetryJson, &retry); err != nil {
		return nil, errors.Wrap(err, "decode retry config")
	}
	t := &store.Task{
		ID:                row.ID,
		Name:              row.Name,
		SourceType:        store.SourceType(row.SourceType),
		Status:            store.TaskStatus(row.Status),
		TotalJobs:         row.TotalJobs,
		CompletedJobs:     row.CompletedJobs,
		FailedJobs:        row.FailedJobs,
		Concurrency:       conc,
		Retry:             retry,
		FailTaskOnFailure: row.FailOnJobFailure,
		CreatedAt:         time.UnixMilli(row.CreatedAt),
		UpdatedAt:         time.UnixMilli(row.UpdatedAt),
	}
	if row.MerkleRoot.Valid {
		t.MerkleRoot = row.MerkleRoot.String
	}
	if row.TimeoutMs.Valid {
		t.TimeoutMs = row.TimeoutMs.Int64
	}
	return t, nil
}

func fromJobRow(row *jobRow) *store.Job {
	j := &store.Job{
		ID:          row.ID,
		TaskID:      row.TaskID,
		Input:       row.InputBlob,
		Output:      row.OutputBlob,
		Status:      store.JobStatus(row.Status),
		Attempts:    row.Attempts,
		ScheduledAt: time.UnixMilli(row.ScheduledAt),
		UpdatedAt:   time.UnixMilli(row.UpdatedAt),
	}
	if row.LastError.Valid {
		j.LastError = row.LastError.String
	}
	return j
}

var _ store.JobStore = (*Store)(nil)

func (s *Store) CreateTask(ctx context.Context, task *store.Task, jobs []*store.Job) error {
	task.TotalJobs = len(jobs)
	row, err := toTaskRow(task)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin createTask")
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO tasks (id, name, sourceType, merkleRoot, status, totalJobs, completedJobs, failedJobs,
			concurrencyJson, retryJson, timeoutMs, failOnJobFailure, createdAt, updatedAt)
		VALUES (:id, :name, :sourceType, :merkleRoot, :status, :totalJobs, :completedJobs, :failedJobs,
			:concurrencyJson, :retryJson, :timeoutMs, :failOnJobFailure, :createdAt, :updatedAt)
	`, row); err != nil {
		if isUniqueViolation(err) {
			return store.ErrTaskAlreadyExists
		}
		return errors.Wrap(err, "sqlstore: insert task")
	}

	if err := s.insertJobsInBatches(ctx, tx, task.ID, jobs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlstore: commit createTask")
	}
	return nil
}

func (s *Store) insertJobsInBatches(ctx context.Context, tx *sqlx.Tx, taskID string, jobs []*store.Job) error {
	for start := 0; start < len(jobs); start += batchSize {
		end := start + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		rows := make([]*jobRow, 0, end-start)
		for i, j := range jobs[start:end] {
			rows = append(rows, &jobRow{
				ID:          j.ID,
				TaskID:      taskID,
				InputBlob:   j.Input,
				Status:      string(store.JobPending),
				ScheduledAt: j.ScheduledAt.UnixMilli(),
				UpdatedAt:   time.Now().UnixMilli(),
				Seq:         int64(start + i),
			})
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO jobs (id, taskId, inputBlob, status, attempts, scheduledAt, updatedAt, seq)
			VALUES (:id, :taskId, :inputBlob, :status, 0, :scheduledAt, :updatedAt, :seq)
		`, rows); err != nil {
			return errors.Wrap(err, "sqlstore: insert job batch")
		}
	}
	return nil
}

func (s *Store) AppendJobs(ctx context.Context, taskID string, jobs []*store.Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin appendJobs")
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.GetContext(ctx, &maxSeq, `SELECT MAX(seq) FROM jobs WHERE taskId=?`, taskID); err != nil {
		return errors.Wrap(err, "sqlstore: query max seq")
	}
	base := maxSeq.Int64 + 1

	rows := make([]*jobRow, 0, len(jobs))
	for i, j := range jobs {
		rows = append(rows, &jobRow{
			ID:          j.ID,
			TaskID:      taskID,
			InputBlob:   j.Input,
			Status:      string(store.JobPending),
			ScheduledAt: j.ScheduledAt.UnixMilli(),
			UpdatedAt:   time.Now().UnixMilli(),
			Seq:         base + int64(i),
		})
	}
	if len(rows) > 0 {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO jobs (id, taskId, inputBlob, status, attempts, scheduledAt, updatedAt, seq)
			VALUES (:id, :taskId, :inputBlob, :status, 0, :scheduledAt, :updatedAt, :seq)
		`, rows); err != nil {
			return errors.Wrap(err, "sqlstore: insert appended jobs")
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET totalJobs = totalJobs + ?, updatedAt = ? WHERE id = ?`,
		len(jobs), time.Now().UnixMilli(), taskID); err != nil {
		return errors.Wrap(err, "sqlstore: bump totalJobs")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlstore: commit appendJobs")
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: getTask")
	}
	return fromTaskRow(&row)
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceType != "" {
		query += ` AND sourceType = ?`
		args = append(args, string(filter.SourceType))
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "sqlstore: listTasks")
	}

	tasks := make([]*store.Task, 0, len(rows))
	for i := range rows {
		t, err := fromTaskRow(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "sqlstore: deleteTask")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrTaskNotFound
	}
	// jobs cascade via the foreign key, relying on PRAGMA foreign_keys=ON.
	return nil
}

// ClaimJobs atomically flips up to limit pending, due jobs to active inside
// one transaction: select the candidate rowset ordered by scheduledAt then
// insertion sequence, then update just those rows. SQLite's single-writer
// semantics make this equivalent to the UPDATE ... RETURNING form without
// depending on a specific SQLite build's RETURNING support.
func (s *Store) ClaimJobs(ctx context.Context, taskID string, limit int, now time.Time) ([]*store.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: begin claimJobs")
	}
	defer tx.Rollback()

	var ids []string
	err = tx.SelectContext(ctx, &ids, `
		SELECT id FROM jobs
		WHERE taskId = ? AND status = ? AND scheduledAt <= ?
		ORDER BY scheduledAt, seq
		LIMIT ?
	`, taskID, string(store.JobPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: select claimable jobs")
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	query, args, err := sqlx.In(`UPDATE jobs SET status = ?, updatedAt = ? WHERE taskId = ? AND id IN (?)`,
		string(store.JobActive), now.UnixMilli(), taskID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: build claim update")
	}
	query = tx.Rebind(query)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, errors.Wrap(err, "sqlstore: claim update")
	}

	var rows []jobRow
	selQuery, selArgs, err := sqlx.In(`SELECT * FROM jobs WHERE taskId = ? AND id IN (?) ORDER BY scheduledAt, seq`, taskID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: build claim select")
	}
	selQuery = tx.Rebind(selQuery)
	if err := tx.SelectContext(ctx, &rows, selQuery, selArgs...); err != nil {
		return nil, errors.Wrap(err, "sqlstore: reselect claimed jobs")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlstore: commit claimJobs")
	}

	claimed := make([]*store.Job, 0, len(rows))
	for i := range rows {
		claimed = append(claimed, fromJobRow(&rows[i]))
	}
	return claimed, nil
}

func (s *Store) CompleteJob(ctx context.Context, taskID, jobID string, output []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin completeJob")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, outputBlob = ?, lastError = NULL, updatedAt = ?
		WHERE taskId = ? AND id = ? AND status = ?
	`, string(store.JobCompleted), output, time.Now().UnixMilli(), taskID, jobID, string(store.JobActive))
	if err != nil {
		return errors.Wrap(err, "sqlstore: completeJob update")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrJobNotActive
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET completedJobs = completedJobs + 1, updatedAt = ? WHERE id = ?`,
		time.Now().UnixMilli(), taskID); err != nil {
		return errors.Wrap(err, "sqlstore: bump completedJobs")
	}

	return errors.Wrap(tx.Commit(), "sqlstore: commit completeJob")
}

func (s *Store) FailJob(ctx context.Context, taskID, jobID string, failErr string, retryable bool, nextDelay time.Duration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin failJob")
	}
	defer tx.Rollback()

	var current jobRow
	err = tx.GetContext(ctx, &current, `SELECT * FROM jobs WHERE taskId = ? AND id = ? AND status = ?`,
		taskID, jobID, string(store.JobActive))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrJobNotActive
	}
	if err != nil {
		return errors.Wrap(err, "sqlstore: select job for failJob")
	}

	var task taskRow
	if err := tx.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, taskID); err != nil {
		return errors.Wrap(err, "sqlstore: select task for failJob")
	}

	now := time.Now()
	attempts := current.Attempts + 1
	willRetry := retryable && attempts < mustDecodeMaxAttempts(task.RetryJson)

	var newStatus store.JobStatus
	if willRetry {
		newStatus = store.JobPending
	} else {
		newStatus = store.JobFailed
	}

	scheduledAt := now
	if willRetry {
		scheduledAt = now.Add(nextDelay)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, lastError = ?, scheduledAt = ?, updatedAt = ?
		WHERE taskId = ? AND id = ?
	`, string(newStatus), attempts, failErr, scheduledAt.UnixMilli(), now.UnixMilli(), taskID, jobID); err != nil {
		return errors.Wrap(err, "sqlstore: update job on failure")
	}

	if !willRetry {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET failedJobs = failedJobs + 1, updatedAt = ? WHERE id = ?`,
			now.UnixMilli(), taskID); err != nil {
			return errors.Wrap(err, "sqlstore: bump failedJobs")
		}
	}

	return errors.Wrap(tx.Commit(), "sqlstore: commit failJob")
}

func mustDecodeMaxAttempts(retryJSON string) int {
	var retry store.RetryConfig
	if err := codec.JsonCodec().DecodeString(retryJSON, &retry); err != nil {
		logger.WarnF("sqlstore: failed to decode retry config, defaulting MaxAttempts=1: %v", err)
		return 1
	}
	return retry.MaxAttempts
}

func (s *Store) ResetActiveJobs(ctx context.Context, taskID string) (int, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, scheduledAt = ?, updatedAt = ? WHERE taskId = ? AND status = ?
	`, string(store.JobPending), now, now, taskID, string(store.JobActive))
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: resetActiveJobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) ResetFailedJobs(ctx context.Context, taskID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: begin resetFailedJobs")
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = 0, scheduledAt = ?, updatedAt = ? WHERE taskId = ? AND status = ?
	`, string(store.JobPending), now, now, taskID, string(store.JobFailed))
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: resetFailedJobs update")
	}
	n, _ := res.RowsAffected()

	if n > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET failedJobs = failedJobs - ?, updatedAt = ? WHERE id = ?`,
			n, now, taskID); err != nil {
			return 0, errors.Wrap(err, "sqlstore: decrement failedJobs")
		}
	}

	return int(n), errors.Wrap(tx.Commit(), "sqlstore: commit resetFailedJobs")
}

func (s *Store) GetProgress(ctx context.Context, taskID string) (store.Progress, error) {
	var counts []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &counts, `
		SELECT status, COUNT(*) as n FROM jobs WHERE taskId = ? GROUP BY status
	`, taskID); err != nil {
		return store.Progress{}, errors.Wrap(err, "sqlstore: getProgress")
	}

	var p store.Progress
	for _, c := range counts {
		p.Total += c.N
		switch store.JobStatus(c.Status) {
		case store.JobPending:
			p.Pending = c.N
		case store.JobActive:
			p.Active = c.N
		case store.JobCompleted:
			p.Completed = c.N
		case store.JobFailed:
			p.Failed = c.N
		}
	}
	return p, nil
}

func (s *Store) GetResults(ctx context.Context, taskID string, filter store.ResultFilter) ([]*store.Job, error) {
	query := `SELECT * FROM jobs WHERE taskId = ?`
	args := []interface{}{taskID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 || filter.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "sqlstore: getResults")
	}

	jobs := make([]*store.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, fromJobRow(&rows[i]))
	}
	return jobs, nil
}

func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status store.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updatedAt = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), taskID)
	if err != nil {
		return errors.Wrap(err, "sqlstore: setTaskStatus")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLite's error text rather than a typed
	// error; a constraint violation always contains this substring.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
