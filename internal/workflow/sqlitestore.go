package workflow

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pitabwire/signoff/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// Fixed width so that text order matches time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a single-node Store backed by SQLite. Write transactions
// start with BEGIN IMMEDIATE, which serializes commits across connections.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. path may be ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Commit applies a change in one immediate transaction.
func (s *SQLiteStore) Commit(ctx context.Context, change model.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec := change.Record
	key := rec.Entity.Key()

	// 1. Sequence check.
	var last int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM audit_records
		WHERE entity_type = ? AND entity_id = ?`,
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
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM workflow_instances
			WHERE entity_type = ? AND entity_id = ? AND status = 'Active'
			LIMIT 1`,
			rec.Entity.Type, rec.Entity.ID,
		).Scan(&active)
		switch {
		case err == nil:
			return model.NewConflictError(fmt.Sprintf("%s is governed by active workflow instance %q", key, active))
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check active instance: %w", err)
		}
	}
	if inst := change.Instance; inst != nil {
		if change.NewInstance {
			if err := sqliteInsertInstance(ctx, tx, *inst); err != nil {
				return err
			}
		} else if err := sqliteUpdateInstance(ctx, tx, *inst); err != nil {
			return err
		}
	}

	// 3. Step upserts.
	for _, step := range change.Steps {
		var role, user sql.NullString
		if step.Assignee != nil {
			role, user = nullString(step.Assignee.Role), nullString(step.Assignee.User)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO step_results (
				instance_id, step_index, status, assignee_role, assignee_user,
				actor_id, decided_at, comment, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (instance_id, step_index) DO UPDATE SET
				status = excluded.status,
				assignee_role = excluded.assignee_role,
				assignee_user = excluded.assignee_user,
				actor_id = excluded.actor_id,
				decided_at = excluded.decided_at,
				comment = excluded.comment`,
			step.InstanceID, step.StepIndex, string(step.Status), role, user,
			step.ActorID, formatTimePtr(step.DecidedAt), step.Comment, formatTime(step.CreatedAt),
		); err != nil {
			return fmt.Errorf("upsert step result: %w", err)
		}
	}

	// 4. The record.
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, entity_type, entity_id, sequence, action, actor_id, performed_at,
			previous_status, new_status, comment, metadata, instance_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Entity.Type, rec.Entity.ID, rec.Sequence, string(rec.Action), rec.ActorID, formatTime(rec.PerformedAt),
		string(rec.PreviousStatus), string(rec.NewStatus), rec.Comment, string(meta), rec.InstanceID,
	); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	// 5. The materialized status.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_status (entity_type, entity_id, status, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			status = excluded.status,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		rec.Entity.Type, rec.Entity.ID, string(rec.NewStatus), rec.Sequence, formatTime(rec.PerformedAt),
	); err != nil {
		return fmt.Errorf("upsert entity status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func sqliteInsertInstance(ctx context.Context, tx *sql.Tx, inst model.WorkflowInstance) error {
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM workflow_instances
		WHERE (entity_type = ? AND entity_id = ? AND status = 'Active') OR id = ?
		LIMIT 1`,
		inst.Entity.Type, inst.Entity.ID, inst.ID,
	).Scan(&existing)
	switch {
	case err == nil && existing == inst.ID:
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	case err == nil:
		return model.NewConflictError(fmt.Sprintf("%s already has active workflow instance %q", inst.Entity, existing))
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check active instance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_instances (
			id, template_id, template_version, tenant_id, entity_type, entity_id,
			status, current_step_index, started_by, created_at, updated_at, closed_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.TenantID, inst.Entity.Type, inst.Entity.ID,
		string(inst.Status), inst.CurrentStepIndex, inst.StartedBy,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt), formatTimePtr(inst.ClosedAt), inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func sqliteUpdateInstance(ctx context.Context, tx *sql.Tx, inst model.WorkflowInstance) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_instances SET
			status = ?,
			current_step_index = ?,
			updated_at = ?,
			closed_at = ?,
			version = ?
		WHERE id = ? AND version = ?`,
		string(inst.Status), inst.CurrentStepIndex, formatTime(inst.UpdatedAt), formatTimePtr(inst.ClosedAt), inst.Version,
		inst.ID, inst.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if n == 0 {
		return model.NewStaleStateError(fmt.Sprintf(
			"workflow instance %q version conflict (update to %d)", inst.ID, inst.Version))
	}
	return nil
}

const sqliteRecordColumns = `id, entity_type, entity_id, sequence, action, actor_id, performed_at,
	previous_status, new_status, comment, metadata, instance_id`

// History returns records after page.After, oldest first.
func (s *SQLiteStore) History(ctx context.Context, ref model.EntityRef, page model.Page) ([]model.AuditRecord, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRecordColumns+` FROM audit_records
		WHERE entity_type = ? AND entity_id = ? AND sequence > ?
		ORDER BY sequence ASC LIMIT ?`,
		ref.Type, ref.ID, page.After, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records := []model.AuditRecord{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastRecord returns the entity's most recent record.
func (s *SQLiteStore) LastRecord(ctx context.Context, ref model.EntityRef) (model.AuditRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM audit_records
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY sequence DESC LIMIT 1`,
		ref.Type, ref.ID,
	)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuditRecord{}, false, nil
	}
	if err != nil {
		return model.AuditRecord{}, false, err
	}
	return rec, true, nil
}

// StatusOf returns the entity's materialized status.
func (s *SQLiteStore) StatusOf(ctx context.Context, ref model.EntityRef) (model.Status, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM entity_status WHERE entity_type = ? AND entity_id = ?`,
		ref.Type, ref.ID,
	).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read entity status: %w", err)
	}
	return model.Status(status), true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scanner) (model.AuditRecord, error) {
	var (
		rec                           model.AuditRecord
		action, prev, next, performed string
		meta                          sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.Entity.Type, &rec.Entity.ID, &rec.Sequence, &action, &rec.ActorID, &performed,
		&prev, &next, &rec.Comment, &meta, &rec.InstanceID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AuditRecord{}, err
		}
		return model.AuditRecord{}, fmt.Errorf("scan audit record: %w", err)
	}
	rec.Action = model.Action(action)
	rec.PreviousStatus = model.Status(prev)
	rec.NewStatus = model.Status(next)
	if rec.PerformedAt, err = parseTime(performed); err != nil {
		return model.AuditRecord{}, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return model.AuditRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

// CreateTemplate stores a template version.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	statuses, err := json.Marshal(t.Statuses)
	if err != nil {
		return fmt.Errorf("marshal statuses: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, version, name, entity_type, steps, statuses, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, version) DO NOTHING`,
		t.ID, t.Version, t.Name, t.EntityType, string(steps), string(statuses), t.Checksum, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewConflictError(fmt.Sprintf("template %q version %d already exists", t.ID, t.Version))
	}
	return nil
}

const sqliteTemplateColumns = `id, version, name, entity_type, steps, statuses, checksum, created_at`

// GetTemplate returns a template version, or the latest when version <= 0.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string, version int) (model.WorkflowTemplate, error) {
	var row *sql.Row
	if version <= 0 {
		row = s.db.QueryRowContext(ctx, `SELECT `+sqliteTemplateColumns+` FROM workflow_templates
			WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT `+sqliteTemplateColumns+` FROM workflow_templates
			WHERE id = ? AND version = ?`, id, version)
	}
	t, err := scanSQLiteTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q version %d not found", id, version))
	}
	return t, err
}

// ListTemplates returns the latest version of every template.
func (s *SQLiteStore) ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTemplateColumns+` FROM workflow_templates t
		WHERE version = (SELECT MAX(version) FROM workflow_templates WHERE id = t.id)
		  AND (? = '' OR entity_type = ?)
		ORDER BY id`,
		filters.EntityType, filters.EntityType,
	)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	templates := []model.WorkflowTemplate{}
	for rows.Next() {
		t, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func scanSQLiteTemplate(row scanner) (model.WorkflowTemplate, error) {
	var (
		t                        model.WorkflowTemplate
		steps, statuses, created string
	)
	if err := row.Scan(&t.ID, &t.Version, &t.Name, &t.EntityType, &steps, &statuses, &t.Checksum, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowTemplate{}, err
		}
		return model.WorkflowTemplate{}, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(statuses), &t.Statuses); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal statuses: %w", err)
	}
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return model.WorkflowTemplate{}, err
	}
	return t, nil
}

const sqliteInstanceColumns = `id, template_id, template_version, tenant_id, entity_type, entity_id,
	status, current_step_index, started_by, created_at, updated_at, closed_at, version`

// GetInstance retrieves an instance scoped to tenant.
func (s *SQLiteStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteInstanceColumns+` FROM workflow_instances
		WHERE id = ? AND tenant_id = ?`, instanceID, tenantID)
	inst, err := scanSQLiteInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, err
}

// FindInstances lists a tenant's instances matching filters.
func (s *SQLiteStore) FindInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, int, error) {
	filters = NormalizePage(filters)
	where := `WHERE tenant_id = ?`
	args := []any{tenantID}
	for _, f := range []struct {
		column, value string
	}{
		{"status", string(filters.Status)},
		{"template_id", filters.TemplateID},
		{"entity_type", filters.EntityType},
		{"entity_id", filters.EntityID},
	} {
		if f.value != "" {
			where += " AND " + f.column + " = ?"
			args = append(args, f.value)
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_instances `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteInstanceColumns+` FROM workflow_instances `+where+
			` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

func scanSQLiteInstance(row scanner) (model.WorkflowInstance, error) {
	var (
		inst             model.WorkflowInstance
		status           string
		created, updated string
		closed           sql.NullString
	)
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.TenantID, &inst.Entity.Type, &inst.Entity.ID,
		&status, &inst.CurrentStepIndex, &inst.StartedBy, &created, &updated, &closed, &inst.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowInstance{}, err
		}
		return model.WorkflowInstance{}, fmt.Errorf("scan workflow instance: %w", err)
	}
	inst.Status = model.InstanceStatus(status)
	if inst.CreatedAt, err = parseTime(created); err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.UpdatedAt, err = parseTime(updated); err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.ClosedAt, err = parseTimePtr(closed); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

const sqliteStepColumns = `instance_id, step_index, status, assignee_role, assignee_user,
	actor_id, decided_at, comment, created_at`

// GetStepResults returns an instance's step results ordered by index.
func (s *SQLiteStore) GetStepResults(ctx context.Context, instanceID string) ([]model.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteStepColumns+` FROM step_results
		WHERE instance_id = ? ORDER BY step_index`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	results := []model.StepResult{}
	for rows.Next() {
		r, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanSQLiteStep(row scanner) (model.StepResult, error) {
	var (
		r                 model.StepResult
		status, created   string
		role, user, decid sql.NullString
	)
	if err := row.Scan(
		&r.InstanceID, &r.StepIndex, &status, &role, &user,
		&r.ActorID, &decid, &r.Comment, &created,
	); err != nil {
		return model.StepResult{}, fmt.Errorf("scan step result: %w", err)
	}
	r.Status = model.StepStatus(status)
	if role.Valid || user.Valid {
		r.Assignee = &model.ApproverSpec{Role: role.String, User: user.String}
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return model.StepResult{}, err
	}
	if r.DecidedAt, err = parseTimePtr(decid); err != nil {
		return model.StepResult{}, err
	}
	return r, nil
}

// FindPendingSteps returns current Pending steps created before the cutoff.
func (s *SQLiteStore) FindPendingSteps(ctx context.Context, createdBefore time.Time) ([]PendingStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, s.step_index FROM workflow_instances i
		JOIN step_results s ON s.instance_id = i.id AND s.step_index = i.current_step_index
		WHERE i.status = 'Active' AND s.status = 'Pending' AND s.created_at < ?
		ORDER BY s.created_at ASC`,
		formatTime(createdBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("query pending steps: %w", err)
	}
	type key struct {
		id  string
		idx int
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.idx); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending step: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Resolved after the cursor is closed: an in-memory database has a
	// single connection.
	pending := make([]PendingStep, 0, len(keys))
	for _, k := range keys {
		inst, err := scanSQLiteInstance(s.db.QueryRowContext(ctx,
			`SELECT `+sqliteInstanceColumns+` FROM workflow_instances WHERE id = ?`, k.id))
		if err != nil {
			return nil, err
		}
		r, err := scanSQLiteStep(s.db.QueryRowContext(ctx,
			`SELECT `+sqliteStepColumns+` FROM step_results WHERE instance_id = ? AND step_index = ?`, k.id, k.idx))
		if err != nil {
			return nil, err
		}
		pending = append(pending, PendingStep{Instance: inst, Result: r})
	}
	return pending, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
