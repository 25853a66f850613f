package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/appos/domain/process"
	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// Postgres is the production store. Every operation is one short
// transaction; the instance row is locked FOR UPDATE whenever a step-log
// write and an instance mutation must land together.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres opens a connection pool against url.
func NewPostgres(url string, maxConns int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection (tests use sqlmock here).
func NewPostgresFromDB(db *sql.DB, driverName string) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, driverName)}
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type instanceRow struct {
	ID                 int64          `db:"id"`
	InstanceID         string         `db:"instance_id"`
	ProcessRef         string         `db:"process_ref"`
	AppName            string         `db:"app_name"`
	DisplayName        string         `db:"display_name"`
	Status             string         `db:"status"`
	CurrentStep        sql.NullString `db:"current_step"`
	Inputs             jsonMap        `db:"inputs"`
	Variables          jsonMap        `db:"variables"`
	VariableVisibility jsonStringMap  `db:"variable_visibility"`
	Outputs            jsonMap        `db:"outputs"`
	ErrorInfo          jsonMap        `db:"error_info"`
	StartedAt          time.Time      `db:"started_at"`
	CompletedAt        *time.Time     `db:"completed_at"`
	StartedBy          string         `db:"started_by"`
	TriggeredBy        string         `db:"triggered_by"`
}

func (r *instanceRow) toDomain() *process.Instance {
	inst := &process.Instance{
		InstanceID:         r.InstanceID,
		ProcessRef:         r.ProcessRef,
		AppName:            r.AppName,
		DisplayName:        r.DisplayName,
		Status:             process.Status(r.Status),
		Inputs:             r.Inputs,
		Variables:          r.Variables,
		VariableVisibility: r.VariableVisibility,
		Outputs:            r.Outputs,
		ErrorInfo:          r.ErrorInfo,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		StartedBy:          r.StartedBy,
		TriggeredBy:        r.TriggeredBy,
	}
	if r.CurrentStep.Valid {
		inst.CurrentStep = r.CurrentStep.String
	}
	return inst
}

const instanceColumns = `id, instance_id, process_ref, app_name, display_name, status,
	current_step, inputs, variables, variable_visibility, outputs, error_info,
	started_at, completed_at, started_by, triggered_by`

// CreateInstance inserts a new instance row.
func (p *Postgres) CreateInstance(ctx context.Context, inst *process.Instance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO process_instances
			(instance_id, process_ref, app_name, display_name, status, current_step,
			 inputs, variables, variable_visibility, outputs, error_info,
			 started_at, completed_at, started_by, triggered_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, inst.InstanceID, inst.ProcessRef, inst.AppName, inst.DisplayName, string(inst.Status),
		nullString(inst.CurrentStep), jsonMap(inst.Inputs), jsonMap(inst.Variables),
		jsonStringMap(inst.VariableVisibility), jsonMap(inst.Outputs), jsonMap(inst.ErrorInfo),
		inst.StartedAt, inst.CompletedAt, inst.StartedBy, inst.TriggeredBy)
	return err
}

// GetInstance loads one instance by its external id.
func (p *Postgres) GetInstance(ctx context.Context, id string) (*process.Instance, error) {
	var row instanceRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+instanceColumns+` FROM process_instances WHERE instance_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("process instance %q", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// UpdateInstance applies mutate under a row lock. Status changes on terminal
// instances are refused, which keeps terminal statuses monotonic.
func (p *Postgres) UpdateInstance(ctx context.Context, id string, mutate func(*process.Instance) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.updateInstanceTx(ctx, tx, id, mutate); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) updateInstanceTx(ctx context.Context, tx *sqlx.Tx, id string, mutate func(*process.Instance) error) error {
	var row instanceRow
	err := tx.GetContext(ctx, &row,
		`SELECT `+instanceColumns+` FROM process_instances WHERE instance_id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("process instance %q", id)
	}
	if err != nil {
		return err
	}

	inst := row.toDomain()
	prev := inst.Status
	if err := mutate(inst); err != nil {
		return err
	}
	if prev.Terminal() && inst.Status != prev {
		return apperrors.Validation(apperrors.CodeTerminalInstance,
			"instance %q is %s, status is final", id, prev)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE process_instances SET
			status = $2, current_step = $3, variables = $4, variable_visibility = $5,
			outputs = $6, error_info = $7, completed_at = $8
		WHERE instance_id = $1
	`, id, string(inst.Status), nullString(inst.CurrentStep), jsonMap(inst.Variables),
		jsonStringMap(inst.VariableVisibility), jsonMap(inst.Outputs),
		jsonMap(inst.ErrorInfo), inst.CompletedAt)
	return err
}

// StartStep inserts a running step-log row; the conflict target is the
// (instance, step, attempt) natural key, so redelivered tasks insert nothing.
func (p *Postgres) StartStep(ctx context.Context, entry *process.StepLog) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO process_step_log
			(process_instance_id, step_name, rule_ref, status, started_at,
			 attempt, is_fire_and_forget, is_parallel)
		SELECT pi.id, $2, $3, $4, $5, $6, $7, $8
		FROM process_instances pi WHERE pi.instance_id = $1
		ON CONFLICT (process_instance_id, step_name, attempt) DO NOTHING
	`, entry.InstanceID, entry.StepName, entry.RuleRef, string(entry.Status),
		entry.StartedAt, entry.Attempt, entry.IsFireAndForget, entry.IsParallel)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordStep finalises the step-log row and applies the instance mutation in
// one transaction, per the durable-history contract. Rows already in a final
// state stay untouched and the mutation is skipped.
func (p *Postgres) RecordStep(ctx context.Context, entry *process.StepLog, mutate func(*process.Instance) error) (bool, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var instancePK int64
	err = tx.GetContext(ctx, &instancePK,
		`SELECT id FROM process_instances WHERE instance_id = $1 FOR UPDATE`, entry.InstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.NotFound("process instance %q", entry.InstanceID)
	}
	if err != nil {
		return false, err
	}

	var existing string
	err = tx.GetContext(ctx, &existing, `
		SELECT status FROM process_step_log
		WHERE process_instance_id = $1 AND step_name = $2 AND attempt = $3
	`, instancePK, entry.StepName, entry.Attempt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO process_step_log
				(process_instance_id, step_name, rule_ref, status, started_at, completed_at,
				 duration_ms, inputs, outputs, error_info, attempt, is_fire_and_forget, is_parallel)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, instancePK, entry.StepName, entry.RuleRef, string(entry.Status), entry.StartedAt,
			entry.CompletedAt, entry.DurationMS, jsonMap(entry.Inputs), jsonMap(entry.Outputs),
			jsonMap(entry.ErrorInfo), entry.Attempt, entry.IsFireAndForget, entry.IsParallel)
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case stepStatusFinal(existing):
		return false, nil
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE process_step_log SET
				status = $4, completed_at = $5, duration_ms = $6,
				inputs = $7, outputs = $8, error_info = $9
			WHERE process_instance_id = $1 AND step_name = $2 AND attempt = $3
		`, instancePK, entry.StepName, entry.Attempt, string(entry.Status), entry.CompletedAt,
			entry.DurationMS, jsonMap(entry.Inputs), jsonMap(entry.Outputs), jsonMap(entry.ErrorInfo))
		if err != nil {
			return false, err
		}
	}

	if mutate != nil {
		if err := p.updateInstanceTx(ctx, tx, entry.InstanceID, mutate); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

type stepRow struct {
	StepName        string     `db:"step_name"`
	RuleRef         string     `db:"rule_ref"`
	Status          string     `db:"status"`
	StartedAt       time.Time  `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	DurationMS      float64    `db:"duration_ms"`
	Inputs          jsonMap    `db:"inputs"`
	Outputs         jsonMap    `db:"outputs"`
	ErrorInfo       jsonMap    `db:"error_info"`
	Attempt         int        `db:"attempt"`
	IsFireAndForget bool       `db:"is_fire_and_forget"`
	IsParallel      bool       `db:"is_parallel"`
}

// StepHistory returns the step log for an instance ordered by start time.
func (p *Postgres) StepHistory(ctx context.Context, id string) ([]process.StepLog, error) {
	var rows []stepRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT sl.step_name, sl.rule_ref, sl.status, sl.started_at, sl.completed_at,
			COALESCE(sl.duration_ms, 0) AS duration_ms, sl.inputs, sl.outputs,
			sl.error_info, sl.attempt, sl.is_fire_and_forget, sl.is_parallel
		FROM process_step_log sl
		JOIN process_instances pi ON pi.id = sl.process_instance_id
		WHERE pi.instance_id = $1
		ORDER BY sl.started_at, sl.id
	`, id)
	if err != nil {
		return nil, err
	}
	out := make([]process.StepLog, len(rows))
	for i, r := range rows {
		out[i] = process.StepLog{
			InstanceID:      id,
			StepName:        r.StepName,
			RuleRef:         r.RuleRef,
			Status:          process.StepStatus(r.Status),
			StartedAt:       r.StartedAt,
			CompletedAt:     r.CompletedAt,
			DurationMS:      r.DurationMS,
			Inputs:          r.Inputs,
			Outputs:         r.Outputs,
			ErrorInfo:       r.ErrorInfo,
			Attempt:         r.Attempt,
			IsFireAndForget: r.IsFireAndForget,
			IsParallel:      r.IsParallel,
		}
	}
	return out, nil
}

// InterruptRunningSteps marks pending/running rows interrupted.
func (p *Postgres) InterruptRunningSteps(ctx context.Context, id string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE process_step_log SET status = 'interrupted', completed_at = now()
		WHERE status IN ('pending', 'running')
		  AND process_instance_id = (SELECT id FROM process_instances WHERE instance_id = $1)
	`, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// BarrierArrive counts one fan-in arrival; the last arrival sees true.
func (p *Postgres) BarrierArrive(ctx context.Context, id string, groupIndex, size int) (bool, error) {
	var arrived int
	err := p.db.GetContext(ctx, &arrived, `
		INSERT INTO process_barriers (instance_id, group_index, arrived, group_size)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (instance_id, group_index)
		DO UPDATE SET arrived = process_barriers.arrived + 1
		RETURNING arrived
	`, id, groupIndex, size)
	if err != nil {
		return false, err
	}
	// >= so a redelivered member task cannot strand the barrier past size.
	return arrived >= size, nil
}

// ClaimScheduleTick claims a (process, minute) cron firing fleet-wide.
func (p *Postgres) ClaimScheduleTick(ctx context.Context, ref string, minute time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO cron_firings (process_ref, fire_minute) VALUES ($1, $2)
		ON CONFLICT (process_ref, fire_minute) DO NOTHING
	`, ref, MinuteKey(minute))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---------------------------------------------------------------------------
// Connected systems
// ---------------------------------------------------------------------------

// CreateConnectedSystem registers a connected-system record if absent.
func (p *Postgres) CreateConnectedSystem(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO connected_systems (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	return err
}

// ConnectedSystemExists reports whether the named system is registered.
func (p *Postgres) ConnectedSystemExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := p.db.GetContext(ctx, &one, `SELECT 1 FROM connected_systems WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetCiphertext returns the stored ciphertext, nil when none is stored.
func (p *Postgres) GetCiphertext(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := p.db.GetContext(ctx, &data,
		`SELECT credentials_encrypted FROM connected_systems WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("connected system %q", name)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetCiphertext replaces the stored ciphertext atomically.
func (p *Postgres) SetCiphertext(ctx context.Context, name string, data []byte) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE connected_systems SET credentials_encrypted = $2, updated_at = now()
		WHERE name = $1
	`, name, data)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("connected system %q", name)
	}
	return nil
}

// ClearCiphertext removes stored credentials; the system record stays.
func (p *Postgres) ClearCiphertext(ctx context.Context, name string) error {
	return p.SetCiphertext(ctx, name, nil)
}

// HasCiphertext reports whether credentials are stored, without reading them.
func (p *Postgres) HasCiphertext(ctx context.Context, name string) (bool, error) {
	var has bool
	err := p.db.GetContext(ctx, &has,
		`SELECT credentials_encrypted IS NOT NULL FROM connected_systems WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return has, nil
}

// RotateCiphertexts rewrites every stored ciphertext through fn inside one
// transaction; any per-row failure aborts the whole rotation.
func (p *Postgres) RotateCiphertexts(ctx context.Context, fn func(name string, old []byte) ([]byte, error)) (int, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	type row struct {
		Name string `db:"name"`
		Data []byte `db:"credentials_encrypted"`
	}
	var rows []row
	err = tx.SelectContext(ctx, &rows, `
		SELECT name, credentials_encrypted FROM connected_systems
		WHERE credentials_encrypted IS NOT NULL
		ORDER BY name
		FOR UPDATE
	`)
	if err != nil {
		return 0, err
	}

	for _, r := range rows {
		next, err := fn(r.Name, r.Data)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE connected_systems SET credentials_encrypted = $2, updated_at = now()
			WHERE name = $1
		`, r.Name, next); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
