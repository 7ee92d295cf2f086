package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/definition"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

// reloader re-reads definitions and the capability policy on SIGHUP.
// Running instances keep the template version they started with; new
// template versions are seeded like at start.
type reloader struct {
	dirs     []string
	seed     bool
	registry *definition.Registry
	guards   *guard.Registry
	engine   *workflow.Engine
	policy   model.PolicyEvaluator
	resolver *capability.Resolver
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func watchReload(ctx context.Context, r reloader) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := r.reload(ctx); err != nil {
				r.metrics.RecordDefinitionReload("error")
				r.logger.Error("reload failed; keeping previous definitions", zap.Error(err))
				continue
			}
			r.metrics.RecordDefinitionReload("ok")
		}
	}
}

func (r reloader) reload(ctx context.Context) error {
	defs, err := definition.NewLoader().LoadAll(r.dirs)
	if err != nil {
		return err
	}
	compiled, verrs := definition.Compile(defs)
	if len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return fmt.Errorf("definitions invalid: %w", errors.Join(errs...))
	}
	if err := r.policy.Sync(); err != nil {
		return err
	}

	tables, err := r.withStoredTemplates(ctx, compiled.Tables)
	if err != nil {
		return err
	}

	r.registry.Replace(defs, compiled)
	r.guards.Replace(tables)
	if r.resolver != nil {
		r.resolver.Purge()
	}
	r.metrics.SetDefinitionsLoaded(len(defs), len(compiled.Templates))

	if r.seed {
		if err := r.engine.SeedTemplates(ctx, compiled.Templates); err != nil {
			return err
		}
	}
	lifecycles, err := r.engine.SyncLifecycles(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("definitions reloaded",
		zap.Int("files", len(defs)),
		zap.Int("templates", len(compiled.Templates)),
		zap.Int("default_lifecycles", lifecycles),
		zap.String("checksum", r.registry.Checksum()),
	)
	return nil
}

// withStoredTemplates adds the default lifecycle for published templates
// whose entity type the definition files do not declare, so the swap never
// drops them.
func (r reloader) withStoredTemplates(ctx context.Context, tables []*guard.Table) ([]*guard.Table, error) {
	templates, err := r.engine.ListTemplates(ctx, model.TemplateFilters{})
	if err != nil {
		return nil, err
	}
	declared := make(map[string]bool, len(tables))
	for _, t := range tables {
		declared[t.EntityType()] = true
	}
	out := slices.Clone(tables)
	for _, t := range templates {
		if !declared[t.EntityType] {
			declared[t.EntityType] = true
			out = append(out, guard.DefaultLifecycle(t.EntityType))
		}
	}
	return out, nil
}
