package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/forgehq/agentrun/pkg/models"
)

// PostgresConfig configures connection pooling for the runstore's backing
// database, mirroring internal/storage's CockroachConfig.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStoresFromDSN opens a lib/pq connection and returns the five
// runstore interfaces (runs, threads, projects, messages, tasks) backed by it.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (Stores, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return Stores{}, nil, fmt.Errorf("runstore: dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("runstore: open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return Stores{}, nil, fmt.Errorf("runstore: ping database: %w", err)
	}

	stores := Stores{
		Runs:     &pgRunStore{db: db},
		Threads:  &pgThreadStore{db: db},
		Projects: &pgProjectStore{db: db},
		Messages: &pgMessageStore{db: db},
		Tasks:    &pgTaskStore{db: db},
	}
	return stores, db.Close, nil
}

type pgRunStore struct{ db *sql.DB }

func (s *pgRunStore) Create(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("runstore: marshal run options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, project_id, account_id, status, started_at, model_name, options)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.ThreadID, run.ProjectID, run.AccountID, string(run.Status), run.StartedAt, run.ModelName, opts,
	)
	if err != nil {
		return fmt.Errorf("runstore: create run: %w", err)
	}
	return nil
}

func (s *pgRunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, project_id, account_id, status, started_at, completed_at, error, model_name, options, responses
		 FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *pgRunStore) Update(ctx context.Context, id string, fn func(*models.Run) error) (*models.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("runstore: begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, thread_id, project_id, account_id, status, started_at, completed_at, error, model_name, options, responses
		 FROM runs WHERE id = $1 FOR UPDATE`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return nil, fmt.Errorf("runstore: marshal run options: %w", err)
	}
	responses, err := json.Marshal(run.Responses)
	if err != nil {
		return nil, fmt.Errorf("runstore: marshal run responses: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = $1, completed_at = $2, error = $3, options = $4, responses = $5 WHERE id = $6`,
		string(run.Status), run.CompletedAt, run.Error, opts, responses, run.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("runstore: update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("runstore: commit update: %w", err)
	}
	return run, nil
}

func (s *pgRunStore) ListByThread(ctx context.Context, threadID string) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, project_id, account_id, status, started_at, completed_at, error, model_name, options, responses
		 FROM runs WHERE thread_id = $1 ORDER BY started_at DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs by thread: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *pgRunStore) RunningForProject(ctx context.Context, projectID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, project_id, account_id, status, started_at, completed_at, error, model_name, options, responses
		 FROM runs WHERE project_id = $1 AND status = $2 LIMIT 1`, projectID, string(models.RunRunning))
	return scanRun(row)
}

// rowScanner abstracts sql.Row/sql.Rows so scanRun serves both Get (single
// row) and ListByThread (row cursor).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var status string
	var errMsg sql.NullString
	var optsBytes, responsesBytes []byte
	if err := row.Scan(
		&run.ID, &run.ThreadID, &run.ProjectID, &run.AccountID, &status,
		&run.StartedAt, &run.CompletedAt, &errMsg, &run.ModelName, &optsBytes, &responsesBytes,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runstore: scan run: %w", err)
	}
	run.Status = models.RunStatus(status)
	run.Error = errMsg.String
	if len(optsBytes) > 0 {
		if err := json.Unmarshal(optsBytes, &run.Options); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal run options: %w", err)
		}
	}
	if len(responsesBytes) > 0 {
		if err := json.Unmarshal(responsesBytes, &run.Responses); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal run responses: %w", err)
		}
	}
	return &run, nil
}

type pgThreadStore struct{ db *sql.DB }

func (s *pgThreadStore) Create(ctx context.Context, thread *models.Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, account_id, created_at) VALUES ($1,$2,$3,$4)`,
		thread.ID, thread.ProjectID, thread.AccountID, thread.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("runstore: create thread: %w", err)
	}
	return nil
}

func (s *pgThreadStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	var t models.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, account_id, created_at FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.ProjectID, &t.AccountID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: get thread: %w", err)
	}
	return &t, nil
}

type pgProjectStore struct{ db *sql.DB }

func (s *pgProjectStore) Create(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now()
	}
	sandbox, err := json.Marshal(project.Sandbox)
	if err != nil {
		return fmt.Errorf("runstore: marshal sandbox: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, account_id, name, sandbox, created_at) VALUES ($1,$2,$3,$4,$5)`,
		project.ID, project.AccountID, project.Name, sandbox, project.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("runstore: create project: %w", err)
	}
	return nil
}

func (s *pgProjectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	var sandbox []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, sandbox, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &sandbox, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: get project: %w", err)
	}
	if len(sandbox) > 0 {
		if err := json.Unmarshal(sandbox, &p.Sandbox); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal sandbox: %w", err)
		}
	}
	return &p, nil
}

func (s *pgProjectStore) UpdateName(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET name = $1 WHERE id = $2`, name, id)
	if err != nil {
		return fmt.Errorf("runstore: update project name: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runstore: update project name rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type pgMessageStore struct{ db *sql.DB }

func (s *pgMessageStore) Append(ctx context.Context, msg *models.ThreadMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("runstore: marshal message metadata: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, type, is_llm_message, content, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		msg.ID, msg.ThreadID, msg.Type, msg.IsLLMMessage, msg.Content, meta, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("runstore: append message: %w", err)
	}
	return nil
}

func (s *pgMessageStore) FirstUserMessage(ctx context.Context, threadID string) (*models.ThreadMessage, error) {
	var m models.ThreadMessage
	var meta []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, type, is_llm_message, content, metadata, created_at
		 FROM messages WHERE thread_id = $1 AND type = 'user' ORDER BY created_at ASC LIMIT 1`, threadID,
	).Scan(&m.ID, &m.ThreadID, &m.Type, &m.IsLLMMessage, &m.Content, &meta, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: first user message: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal message metadata: %w", err)
		}
	}
	return &m, nil
}

// pgTaskStore implements taskstate.Storage over the `tasks` table named in
// the external-interfaces persisted-tables list.
type pgTaskStore struct{ db *sql.DB }

func (s *pgTaskStore) Save(ctx context.Context, task *models.Task) error {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("runstore: marshal task metadata: %w", err)
	}
	result, err := json.Marshal(task.Result)
	if err != nil {
		return fmt.Errorf("runstore: marshal task result: %w", err)
	}
	artifacts, err := json.Marshal(task.Artifacts)
	if err != nil {
		return fmt.Errorf("runstore: marshal task artifacts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, description, status, progress, start_time, end_time, parent_id, subtasks, dependencies, assigned_tools, artifacts, metadata, error, result)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, description = EXCLUDED.description, status = EXCLUDED.status,
		   progress = EXCLUDED.progress, end_time = EXCLUDED.end_time, subtasks = EXCLUDED.subtasks,
		   dependencies = EXCLUDED.dependencies, assigned_tools = EXCLUDED.assigned_tools,
		   artifacts = EXCLUDED.artifacts, metadata = EXCLUDED.metadata, error = EXCLUDED.error,
		   result = EXCLUDED.result`,
		task.ID, task.Name, task.Description, string(task.Status), task.Progress,
		task.StartTime, task.EndTime, nullString(task.ParentID),
		pq.Array(task.Subtasks), pq.Array(task.Dependencies), pq.Array(task.AssignedTools),
		artifacts, metadata, task.Error, result,
	)
	if err != nil {
		return fmt.Errorf("runstore: save task: %w", err)
	}
	return nil
}

func (s *pgTaskStore) Load(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, progress, start_time, end_time, parent_id, subtasks, dependencies, assigned_tools, artifacts, metadata, error, result
		 FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *pgTaskStore) LoadAll(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, status, progress, start_time, end_time, parent_id, subtasks, dependencies, assigned_tools, artifacts, metadata, error, result
		 FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("runstore: load all tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *pgTaskStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("runstore: delete task: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var status string
	var parentID sql.NullString
	var artifacts, metadata, result []byte
	if err := row.Scan(
		&t.ID, &t.Name, &t.Description, &status, &t.Progress, &t.StartTime, &t.EndTime, &parentID,
		pq.Array(&t.Subtasks), pq.Array(&t.Dependencies), pq.Array(&t.AssignedTools),
		&artifacts, &metadata, &t.Error, &result,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runstore: scan task: %w", err)
	}
	t.Status = models.TaskStatus(status)
	t.ParentID = parentID.String
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &t.Artifacts); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal task artifacts: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal task metadata: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal task result: %w", err)
		}
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
