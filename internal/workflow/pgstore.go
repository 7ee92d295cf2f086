package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signoff/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgOneActiveIndex       = "workflow_instances_one_active"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Commits for the same
// entity are serialized with a transaction-scoped advisory lock, so several
// engine processes may share one database.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Commit applies a change in one transaction.
func (s *PgStore) Commit(ctx context.Context, change model.Change) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec := change.Record
	key := rec.Entity.Key()

	// 1. Serialize writers of this entity and check the sequence.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	var last int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM audit_records
		WHERE entity_type = $1 AND entity_id = $2`,
		rec.Entity.Type, rec.Entity.ID,
	).Scan(&last); err != nil {
		return fmt.Errorf("read sequence: %w", err)
	}
	if rec.Sequence != last+1 {
		return model.NewStaleStateError(fmt.Sprintf(
			"%s moved on: expected sequence %d, got %d", key, last+1, rec.Sequence))
	}

	// 2. Instance insert or versioned update.
	if change.OutsideWorkflow {
		var active string
		err := tx.QueryRow(ctx, `
			SELECT id FROM workflow_instances
			WHERE entity_type = $1 AND entity_id = $2 AND status = 'Active'
			LIMIT 1`,
			rec.Entity.Type, rec.Entity.ID,
		).Scan(&active)
		switch {
		case err == nil:
			return model.NewConflictError(fmt.Sprintf("%s is governed by active workflow instance %q", key, active))
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check active instance: %w", err)
		}
	}
	if inst := change.Instance; inst != nil {
		if change.NewInstance {
			if err := pgInsertInstance(ctx, tx, *inst); err != nil {
				return err
			}
		} else if err := pgUpdateInstance(ctx, tx, *inst); err != nil {
			return err
		}
	}

	// 3. Step upserts.
	for _, step := range change.Steps {
		var role, user *string
		if step.Assignee != nil {
			role, user = nullable(step.Assignee.Role), nullable(step.Assignee.User)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO step_results (
				instance_id, step_index, status, assignee_role, assignee_user,
				actor_id, decided_at, comment, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (instance_id, step_index) DO UPDATE SET
				status = EXCLUDED.status,
				assignee_role = EXCLUDED.assignee_role,
				assignee_user = EXCLUDED.assignee_user,
				actor_id = EXCLUDED.actor_id,
				decided_at = EXCLUDED.decided_at,
				comment = EXCLUDED.comment`,
			step.InstanceID, step.StepIndex, step.Status, role, user,
			step.ActorID, step.DecidedAt, step.Comment, step.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert step result: %w", err)
		}
	}

	// 4. The record.
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_records (
			id, entity_type, entity_id, sequence, action, actor_id, performed_at,
			previous_status, new_status, comment, metadata, instance_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Entity.Type, rec.Entity.ID, rec.Sequence, rec.Action, rec.ActorID, rec.PerformedAt,
		rec.PreviousStatus, rec.NewStatus, rec.Comment, meta, rec.InstanceID,
	); err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return model.NewStaleStateError(fmt.Sprintf("%s sequence %d already taken", key, rec.Sequence))
		}
		return fmt.Errorf("insert audit record: %w", err)
	}

	// 5. The materialized status.
	if _, err := tx.Exec(ctx, `
		INSERT INTO entity_status (entity_type, entity_id, status, sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			status = EXCLUDED.status,
			sequence = EXCLUDED.sequence,
			updated_at = EXCLUDED.updated_at`,
		rec.Entity.Type, rec.Entity.ID, rec.NewStatus, rec.Sequence, rec.PerformedAt,
	); err != nil {
		return fmt.Errorf("upsert entity status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isPgCode(err, pgSerializationFailure) {
			return model.NewStaleStateError(fmt.Sprintf("%s changed concurrently", key))
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func pgInsertInstance(ctx context.Context, tx pgx.Tx, inst model.WorkflowInstance) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, template_id, template_version, tenant_id, entity_type, entity_id,
			status, current_step_index, started_by, created_at, updated_at, closed_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.TenantID, inst.Entity.Type, inst.Entity.ID,
		inst.Status, inst.CurrentStepIndex, inst.StartedBy, inst.CreatedAt, inst.UpdatedAt, inst.ClosedAt, inst.Version,
	)
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == pgOneActiveIndex:
		return model.NewConflictError(fmt.Sprintf("%s already has an active workflow instance", inst.Entity))
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	default:
		return fmt.Errorf("insert workflow instance: %w", err)
	}
}

func pgUpdateInstance(ctx context.Context, tx pgx.Tx, inst model.WorkflowInstance) error {
	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step_index = $2,
			updated_at = $3,
			closed_at = $4,
			version = $5
		WHERE id = $6 AND version = $7`,
		inst.Status, inst.CurrentStepIndex, inst.UpdatedAt, inst.ClosedAt, inst.Version,
		inst.ID, inst.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewStaleStateError(fmt.Sprintf(
			"workflow instance %q version conflict (update to %d)", inst.ID, inst.Version))
	}
	return nil
}

// History returns records after page.After, oldest first.
func (s *PgStore) History(ctx context.Context, ref model.EntityRef, page model.Page) ([]model.AuditRecord, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM audit_records
		WHERE entity_type = $1 AND entity_id = $2 AND sequence > $3
		ORDER BY sequence ASC`
	args := []any{ref.Type, ref.ID, page.After}
	if page.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, page.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records := []model.AuditRecord{}
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastRecord returns the entity's most recent record.
func (s *PgStore) LastRecord(ctx context.Context, ref model.EntityRef) (model.AuditRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRecordColumns+` FROM audit_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY sequence DESC LIMIT 1`,
		ref.Type, ref.ID,
	)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuditRecord{}, false, nil
	}
	if err != nil {
		return model.AuditRecord{}, false, err
	}
	return rec, true, nil
}

// StatusOf returns the entity's materialized status.
func (s *PgStore) StatusOf(ctx context.Context, ref model.EntityRef) (model.Status, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM entity_status WHERE entity_type = $1 AND entity_id = $2`,
		ref.Type, ref.ID,
	).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read entity status: %w", err)
	}
	return model.Status(status), true, nil
}

const pgRecordColumns = `id, entity_type, entity_id, sequence, action, actor_id, performed_at,
	previous_status, new_status, comment, metadata, instance_id`

func scanPgRecord(row pgx.Row) (model.AuditRecord, error) {
	var (
		rec  model.AuditRecord
		meta []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Entity.Type, &rec.Entity.ID, &rec.Sequence, &rec.Action, &rec.ActorID, &rec.PerformedAt,
		&rec.PreviousStatus, &rec.NewStatus, &rec.Comment, &meta, &rec.InstanceID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuditRecord{}, err
		}
		return model.AuditRecord{}, fmt.Errorf("scan audit record: %w", err)
	}
	rec.PerformedAt = rec.PerformedAt.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return model.AuditRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

// CreateTemplate stores a template version.
func (s *PgStore) CreateTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	statuses, err := json.Marshal(t.Statuses)
	if err != nil {
		return fmt.Errorf("marshal statuses: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_templates (id, version, name, entity_type, steps, statuses, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Version, t.Name, t.EntityType, steps, statuses, t.Checksum, t.CreatedAt,
	)
	if isPgCode(err, pgUniqueViolation) {
		return model.NewConflictError(fmt.Sprintf("template %q version %d already exists", t.ID, t.Version))
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

const pgTemplateColumns = `id, version, name, entity_type, steps, statuses, checksum, created_at`

// GetTemplate returns a template version, or the latest when version <= 0.
func (s *PgStore) GetTemplate(ctx context.Context, id string, version int) (model.WorkflowTemplate, error) {
	var row pgx.Row
	if version <= 0 {
		row = s.pool.QueryRow(ctx, `SELECT `+pgTemplateColumns+` FROM workflow_templates
			WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.pool.QueryRow(ctx, `SELECT `+pgTemplateColumns+` FROM workflow_templates
			WHERE id = $1 AND version = $2`, id, version)
	}
	t, err := scanPgTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q version %d not found", id, version))
	}
	return t, err
}

// ListTemplates returns the latest version of every template.
func (s *PgStore) ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (id) `+pgTemplateColumns+` FROM workflow_templates
		WHERE ($1 = '' OR entity_type = $1)
		ORDER BY id, version DESC`,
		filters.EntityType,
	)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	templates := []model.WorkflowTemplate{}
	for rows.Next() {
		t, err := scanPgTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func scanPgTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var (
		t               model.WorkflowTemplate
		steps, statuses []byte
	)
	if err := row.Scan(&t.ID, &t.Version, &t.Name, &t.EntityType, &steps, &statuses, &t.Checksum, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowTemplate{}, err
		}
		return model.WorkflowTemplate{}, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(statuses, &t.Statuses); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal statuses: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

const pgInstanceColumns = `id, template_id, template_version, tenant_id, entity_type, entity_id,
	status, current_step_index, started_by, created_at, updated_at, closed_at, version`

// GetInstance retrieves an instance scoped to tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgInstanceColumns+` FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`, instanceID, tenantID)
	inst, err := scanPgInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, err
}

// FindInstances lists a tenant's instances matching filters.
func (s *PgStore) FindInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, int, error) {
	filters = NormalizePage(filters)
	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2
	for _, f := range []struct {
		column, value string
	}{
		{"status", string(filters.Status)},
		{"template_id", filters.TemplateID},
		{"entity_type", filters.EntityType},
		{"entity_id", filters.EntityID},
	} {
		if f.value == "" {
			continue
		}
		where += fmt.Sprintf(" AND %s = $%d", f.column, argIdx)
		args = append(args, f.value)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workflow_instances `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT ` + pgInstanceColumns + ` FROM workflow_instances ` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanPgInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

func scanPgInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.TenantID, &inst.Entity.Type, &inst.Entity.ID,
		&inst.Status, &inst.CurrentStepIndex, &inst.StartedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.ClosedAt, &inst.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowInstance{}, err
		}
		return model.WorkflowInstance{}, fmt.Errorf("scan workflow instance: %w", err)
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if inst.ClosedAt != nil {
		closed := inst.ClosedAt.UTC()
		inst.ClosedAt = &closed
	}
	return inst, nil
}

const pgStepColumns = `instance_id, step_index, status, assignee_role, assignee_user,
	actor_id, decided_at, comment, created_at`

// GetStepResults returns an instance's step results ordered by index.
func (s *PgStore) GetStepResults(ctx context.Context, instanceID string) ([]model.StepResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgStepColumns+` FROM step_results
		WHERE instance_id = $1 ORDER BY step_index`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	results := []model.StepResult{}
	for rows.Next() {
		r, err := scanPgStep(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FindPendingSteps returns current Pending steps created before the cutoff.
func (s *PgStore) FindPendingSteps(ctx context.Context, createdBefore time.Time) ([]PendingStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.template_id, i.template_version, i.tenant_id, i.entity_type, i.entity_id,
		       i.status, i.current_step_index, i.started_by, i.created_at, i.updated_at, i.closed_at, i.version,
		       s.instance_id, s.step_index, s.status, s.assignee_role, s.assignee_user,
		       s.actor_id, s.decided_at, s.comment, s.created_at
		FROM workflow_instances i
		JOIN step_results s ON s.instance_id = i.id AND s.step_index = i.current_step_index
		WHERE i.status = 'Active' AND s.status = 'Pending' AND s.created_at < $1
		ORDER BY s.created_at ASC`,
		createdBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending steps: %w", err)
	}
	defer rows.Close()

	var pending []PendingStep
	for rows.Next() {
		var (
			p          PendingStep
			role, user *string
		)
		inst, r := &p.Instance, &p.Result
		if err := rows.Scan(
			&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.TenantID, &inst.Entity.Type, &inst.Entity.ID,
			&inst.Status, &inst.CurrentStepIndex, &inst.StartedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.ClosedAt, &inst.Version,
			&r.InstanceID, &r.StepIndex, &r.Status, &role, &user,
			&r.ActorID, &r.DecidedAt, &r.Comment, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending step: %w", err)
		}
		r.Assignee = assignee(role, user)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func scanPgStep(row pgx.Row) (model.StepResult, error) {
	var (
		r          model.StepResult
		role, user *string
	)
	if err := row.Scan(
		&r.InstanceID, &r.StepIndex, &r.Status, &role, &user,
		&r.ActorID, &r.DecidedAt, &r.Comment, &r.CreatedAt,
	); err != nil {
		return model.StepResult{}, fmt.Errorf("scan step result: %w", err)
	}
	r.Assignee = assignee(role, user)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.DecidedAt != nil {
		decided := r.DecidedAt.UTC()
		r.DecidedAt = &decided
	}
	return r, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func assignee(role, user *string) *model.ApproverSpec {
	if role == nil && user == nil {
		return nil
	}
	var a model.ApproverSpec
	if role != nil {
		a.Role = *role
	}
	if user != nil {
		a.User = *user
	}
	return &a
}
