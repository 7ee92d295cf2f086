package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/signoff/model"
)

// storeSuite exercises the Store contract. Every backend runs it.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ref := model.EntityRef{Type: "sale", ID: "unit-1"}

	record := func(seq int64, from, to model.Status, instanceID string) model.AuditRecord {
		return model.AuditRecord{
			ID:             "rec-" + string(rune('0'+seq)),
			Entity:         ref,
			Sequence:       seq,
			Action:         model.ActionApproved,
			ActorID:        "p-1",
			PerformedAt:    t0.Add(time.Duration(seq) * time.Minute),
			PreviousStatus: from,
			NewStatus:      to,
			InstanceID:     instanceID,
			Metadata:       map[string]string{"step_index": "0"},
		}
	}
	instance := func(id string, version int) model.WorkflowInstance {
		return model.WorkflowInstance{
			ID:              id,
			TemplateID:      "unit-sale",
			TemplateVersion: 1,
			TenantID:        "acme",
			Entity:          ref,
			Status:          model.InstanceActive,
			StartedBy:       "p-1",
			CreatedAt:       t0,
			UpdatedAt:       t0,
			Version:         version,
		}
	}
	start := func(t *testing.T, s Store, id string) model.WorkflowInstance {
		t.Helper()
		inst := instance(id, 1)
		rec := record(1, model.StatusDraft, model.StatusPendingReview, id)
		rec.Action = model.ActionSubmitted
		err := s.Commit(context.Background(), model.Change{
			Record:      rec,
			Instance:    &inst,
			NewInstance: true,
			Steps:       []model.StepResult{{InstanceID: id, StepIndex: 0, Status: model.StepPending, CreatedAt: t0}},
		})
		if err != nil {
			t.Fatalf("Commit(start) error: %v", err)
		}
		return inst
	}
	wantCode := func(t *testing.T, err error, code string) {
		t.Helper()
		if !model.IsCode(err, code) {
			t.Fatalf("error = %v, want %s", err, code)
		}
	}

	t.Run("templates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, v := range []int{1, 2} {
			tmpl := model.WorkflowTemplate{
				ID: "unit-sale", Name: "Unit sale", Version: v, EntityType: "sale",
				Steps:     []model.StepDefinition{{Index: 0, Name: "Promoter", Approver: model.Role("promoter"), Mandatory: true}},
				Statuses:  model.StatusMapping{}.WithDefaults(),
				Checksum:  "sum",
				CreatedAt: t0,
			}
			if err := s.CreateTemplate(ctx, tmpl); err != nil {
				t.Fatalf("CreateTemplate v%d error: %v", v, err)
			}
		}
		other := model.WorkflowTemplate{ID: "invoice", Name: "Invoice", Version: 1, EntityType: "invoice",
			Steps: []model.StepDefinition{{Name: "Finance", Approver: model.User("f-1")}}, CreatedAt: t0}
		if err := s.CreateTemplate(ctx, other); err != nil {
			t.Fatalf("CreateTemplate(invoice) error: %v", err)
		}

		err := s.CreateTemplate(ctx, model.WorkflowTemplate{ID: "unit-sale", Version: 2, EntityType: "sale"})
		wantCode(t, err, model.ErrConflict)

		latest, err := s.GetTemplate(ctx, "unit-sale", 0)
		if err != nil {
			t.Fatalf("GetTemplate latest error: %v", err)
		}
		if latest.Version != 2 {
			t.Errorf("latest version = %d, want 2", latest.Version)
		}
		if len(latest.Steps) != 1 || latest.Steps[0].Approver.Role != "promoter" {
			t.Errorf("steps = %+v", latest.Steps)
		}
		v1, err := s.GetTemplate(ctx, "unit-sale", 1)
		if err != nil || v1.Version != 1 {
			t.Fatalf("GetTemplate v1 = %+v, %v", v1, err)
		}
		_, err = s.GetTemplate(ctx, "unit-sale", 3)
		wantCode(t, err, model.ErrNotFound)
		_, err = s.GetTemplate(ctx, "nope", 0)
		wantCode(t, err, model.ErrNotFound)

		all, err := s.ListTemplates(ctx, model.TemplateFilters{})
		if err != nil {
			t.Fatalf("ListTemplates error: %v", err)
		}
		if len(all) != 2 || all[0].ID != "invoice" || all[1].ID != "unit-sale" || all[1].Version != 2 {
			t.Errorf("ListTemplates = %+v", all)
		}
		sales, _ := s.ListTemplates(ctx, model.TemplateFilters{EntityType: "sale"})
		if len(sales) != 1 {
			t.Errorf("ListTemplates(sale) len = %d, want 1", len(sales))
		}
	})

	t.Run("commit and read back", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		start(t, s, "inst-1")

		got, err := s.GetInstance(ctx, "acme", "inst-1")
		if err != nil {
			t.Fatalf("GetInstance error: %v", err)
		}
		if got.Status != model.InstanceActive || got.Version != 1 || got.Entity != ref {
			t.Errorf("instance = %+v", got)
		}
		_, err = s.GetInstance(ctx, "globex", "inst-1")
		wantCode(t, err, model.ErrNotFound)

		last, found, err := s.LastRecord(ctx, ref)
		if err != nil || !found {
			t.Fatalf("LastRecord = %v, %v", found, err)
		}
		if last.Sequence != 1 || last.NewStatus != model.StatusPendingReview || last.Metadata["step_index"] != "0" {
			t.Errorf("last record = %+v", last)
		}
		if !last.PerformedAt.Equal(t0.Add(time.Minute)) {
			t.Errorf("performed_at = %v", last.PerformedAt)
		}

		results, err := s.GetStepResults(ctx, "inst-1")
		if err != nil || len(results) != 1 || results[0].Status != model.StepPending {
			t.Fatalf("GetStepResults = %+v, %v", results, err)
		}

		_, found, _ = s.LastRecord(ctx, model.EntityRef{Type: "sale", ID: "other"})
		if found {
			t.Error("LastRecord(other) found = true")
		}
	})

	t.Run("advance instance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inst := start(t, s, "inst-1")

		decidedAt := t0.Add(2 * time.Minute)
		next := inst
		next.Version = 2
		next.CurrentStepIndex = 1
		err := s.Commit(ctx, model.Change{
			Record:   record(2, model.StatusPendingReview, model.StatusInReview, "inst-1"),
			Instance: &next,
			Steps: []model.StepResult{
				{InstanceID: "inst-1", StepIndex: 0, Status: model.StepApproved, ActorID: "p-1", DecidedAt: &decidedAt, Comment: "ok", CreatedAt: t0},
				{InstanceID: "inst-1", StepIndex: 1, Status: model.StepPending, Assignee: &model.ApproverSpec{User: "u-9"}, CreatedAt: decidedAt},
			},
		})
		if err != nil {
			t.Fatalf("Commit(advance) error: %v", err)
		}

		results, _ := s.GetStepResults(ctx, "inst-1")
		if len(results) != 2 {
			t.Fatalf("results = %+v", results)
		}
		if results[0].Status != model.StepApproved || results[0].ActorID != "p-1" || results[0].DecidedAt == nil {
			t.Errorf("results[0] = %+v", results[0])
		}
		if results[1].Assignee == nil || results[1].Assignee.User != "u-9" {
			t.Errorf("results[1].Assignee = %+v", results[1].Assignee)
		}

		// Same version again is stale.
		stale := next
		err = s.Commit(ctx, model.Change{Record: record(3, model.StatusInReview, model.StatusApproved, "inst-1"), Instance: &stale})
		wantCode(t, err, model.ErrStaleState)

		// A sequence gap is stale.
		err = s.Commit(ctx, model.Change{Record: record(5, model.StatusInReview, model.StatusApproved, "")})
		wantCode(t, err, model.ErrStaleState)

		history, err := s.History(ctx, ref, model.Page{})
		if err != nil || len(history) != 2 {
			t.Fatalf("History = %d records, %v", len(history), err)
		}
	})

	t.Run("one active instance per entity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		start(t, s, "inst-1")

		second := instance("inst-2", 1)
		err := s.Commit(ctx, model.Change{
			Record:      record(2, model.StatusPendingReview, model.StatusPendingReview, "inst-2"),
			Instance:    &second,
			NewInstance: true,
		})
		wantCode(t, err, model.ErrConflict)

		if _, err := s.GetInstance(ctx, "acme", "inst-2"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("rejected instance was stored: %v", err)
		}
		if _, found, _ := s.LastRecord(ctx, ref); !found {
			t.Fatal("history lost")
		}
		h, _ := s.History(ctx, ref, model.Page{})
		if len(h) != 1 {
			t.Errorf("history len = %d, want 1 (rejected commit must not append)", len(h))
		}
	})

	t.Run("history paging", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		statuses := []model.Status{"A", "B", "C", "D", "E", "F"}
		for i := 1; i < len(statuses); i++ {
			if err := s.Commit(ctx, model.Change{Record: record(int64(i), statuses[i-1], statuses[i], "")}); err != nil {
				t.Fatalf("Commit %d error: %v", i, err)
			}
		}
		page, err := s.History(ctx, ref, model.Page{After: 2, Limit: 2})
		if err != nil {
			t.Fatalf("History error: %v", err)
		}
		if len(page) != 2 || page[0].Sequence != 3 || page[1].Sequence != 4 {
			t.Errorf("page = %+v", page)
		}
		page, _ = s.History(ctx, ref, model.Page{After: 10, Limit: 2})
		if len(page) != 0 {
			t.Errorf("page past end = %d records", len(page))
		}
	})

	t.Run("find instances and pending steps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"inst-a", "inst-b", "inst-c"} {
			e := model.EntityRef{Type: "sale", ID: id}
			inst := instance(id, 1)
			inst.Entity = e
			inst.CreatedAt = t0.Add(time.Duration(i) * time.Hour)
			rec := record(1, model.StatusDraft, model.StatusPendingReview, id)
			rec.Entity = e
			rec.ID = "rec-" + id
			err := s.Commit(ctx, model.Change{
				Record: rec, Instance: &inst, NewInstance: true,
				Steps: []model.StepResult{{InstanceID: id, StepIndex: 0, Status: model.StepPending, CreatedAt: inst.CreatedAt}},
			})
			if err != nil {
				t.Fatalf("Commit %s error: %v", id, err)
			}
		}

		list, total, err := s.FindInstances(ctx, "acme", model.InstanceFilters{PageSize: 2})
		if err != nil {
			t.Fatalf("FindInstances error: %v", err)
		}
		if total != 3 || len(list) != 2 || list[0].ID != "inst-c" || list[1].ID != "inst-b" {
			t.Errorf("FindInstances = %d, %+v", total, list)
		}
		list, _, _ = s.FindInstances(ctx, "acme", model.InstanceFilters{Page: 2, PageSize: 2})
		if len(list) != 1 || list[0].ID != "inst-a" {
			t.Errorf("page 2 = %+v", list)
		}
		list, total, _ = s.FindInstances(ctx, "acme", model.InstanceFilters{EntityID: "inst-b"})
		if total != 1 || len(list) != 1 {
			t.Errorf("entity filter = %d", total)
		}
		_, total, _ = s.FindInstances(ctx, "globex", model.InstanceFilters{})
		if total != 0 {
			t.Errorf("other tenant total = %d", total)
		}

		pending, err := s.FindPendingSteps(ctx, t0.Add(90*time.Minute))
		if err != nil {
			t.Fatalf("FindPendingSteps error: %v", err)
		}
		if len(pending) != 2 || pending[0].Instance.ID != "inst-a" || pending[1].Instance.ID != "inst-b" {
			t.Errorf("pending = %+v", pending)
		}
	})

	t.Run("materialized status follows the last record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, found, err := s.StatusOf(ctx, ref); err != nil || found {
			t.Fatalf("StatusOf(empty) = %v, %v", found, err)
		}

		statuses := []model.Status{"A", "B", "C"}
		for i := 1; i < len(statuses); i++ {
			if err := s.Commit(ctx, model.Change{Record: record(int64(i), statuses[i-1], statuses[i], "")}); err != nil {
				t.Fatalf("Commit %d error: %v", i, err)
			}
			status, found, err := s.StatusOf(ctx, ref)
			if err != nil || !found {
				t.Fatalf("StatusOf = %v, %v", found, err)
			}
			last, _, _ := s.LastRecord(ctx, ref)
			if status != last.NewStatus || status != statuses[i] {
				t.Errorf("StatusOf = %q, last record ends in %q", status, last.NewStatus)
			}
		}

		// A rejected commit leaves the status alone.
		err := s.Commit(ctx, model.Change{Record: record(7, "C", "D", "")})
		wantCode(t, err, model.ErrStaleState)
		if status, _, _ := s.StatusOf(ctx, ref); status != "C" {
			t.Errorf("StatusOf after stale commit = %q, want C", status)
		}
	})

	t.Run("outside workflow changes wait for the instance to close", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inst := start(t, s, "inst-1")

		err := s.Commit(ctx, model.Change{
			Record:          record(2, model.StatusPendingReview, model.StatusApproved, ""),
			OutsideWorkflow: true,
		})
		wantCode(t, err, model.ErrConflict)
		if status, _, _ := s.StatusOf(ctx, ref); status != model.StatusPendingReview {
			t.Errorf("StatusOf after conflict = %q", status)
		}

		closed := inst
		closed.Version = 2
		closed.Status = model.InstanceCancelled
		if err := s.Commit(ctx, model.Change{
			Record:   record(2, model.StatusPendingReview, model.StatusCancelled, "inst-1"),
			Instance: &closed,
		}); err != nil {
			t.Fatalf("Commit(cancel) error: %v", err)
		}
		if err := s.Commit(ctx, model.Change{
			Record:          record(3, model.StatusCancelled, model.StatusPendingReview, ""),
			OutsideWorkflow: true,
		}); err != nil {
			t.Fatalf("Commit(outside workflow) error: %v", err)
		}
	})

	t.Run("health", func(t *testing.T) {
		s := newStore(t)
		if err := s.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck error: %v", err)
		}
	})
}
