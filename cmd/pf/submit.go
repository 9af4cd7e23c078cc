package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/lyzr/promptflow/batch"
	"github.com/lyzr/promptflow/common/config"
	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/kv"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/common/redis"
	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/entities"
	"github.com/lyzr/promptflow/executor"
	"github.com/lyzr/promptflow/storage/local"
)

type submitOptions struct {
	FlowDir string
	Name    string
	Variant string
	Run     string // parent run referenced by ${run.outputs.*} / ${run.inputs.*}
	Data    map[string]string
	Mapping map[string]string
}

// resolveParentRunSources turns a parent run reference into input sources:
// the parent's persisted inputs.jsonl and outputs.jsonl become the
// "run.inputs" and "run.outputs" aliases the mapping expressions expect.
func resolveParentRunSources(ctx context.Context, store entities.Store, opts submitOptions) (map[string]string, error) {
	data := make(map[string]string, len(opts.Data)+2)
	for k, v := range opts.Data {
		data[k] = v
	}
	if opts.Run == "" {
		return data, nil
	}
	parent, err := store.Get(ctx, opts.Run)
	if err != nil {
		return nil, err
	}
	for alias, file := range map[string]string{
		"run.inputs":  "inputs.jsonl",
		"run.outputs": "outputs.jsonl",
	} {
		for _, expr := range opts.Mapping {
			if strings.Contains(expr, "${"+alias+".") {
				data[alias] = filepath.Join(parent.OutputPath, file)
				break
			}
		}
	}
	return data, nil
}

// submitRun creates the run record, executes the batch and records the
// outcome on the run entity. The returned batch result carries the bulk
// error when lines failed; submitRun itself fails only when the run could
// not be set up or executed at all.
func submitRun(ctx context.Context, cfg *config.Config, log *logger.Logger, store entities.Store, opts submitOptions) (*entities.Run, *batch.Result, error) {
	flow, err := contracts.LoadFlow(opts.FlowDir)
	if err != nil {
		return nil, nil, err
	}
	variantID := ""
	if opts.Variant != "" {
		vNode, vID, err := parseVariant(opts.Variant)
		if err != nil {
			return nil, nil, err
		}
		if err := flow.ApplyVariant(vNode, vID); err != nil {
			return nil, nil, err
		}
		variantID = vID
	}
	if err := flow.Validate(); err != nil {
		return nil, nil, err
	}
	data, err := resolveParentRunSources(ctx, store, opts)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	name := opts.Name
	if name == "" {
		name = entities.GenerateRunName(opts.FlowDir, variantID, now)
	}
	if err := entities.ValidateRunName(name); err != nil {
		return nil, nil, err
	}
	outputPath, err := entities.ResolveOutputPath(cfg.Batch.OutputPath, opts.FlowDir, name)
	if err != nil {
		return nil, nil, err
	}

	run := &entities.Run{
		Name:          name,
		FlowPath:      opts.FlowDir,
		VariantID:     variantID,
		Data:          data,
		ColumnMapping: opts.Mapping,
		OutputPath:    outputPath,
		Status:        contracts.StatusPreparing,
		CreatedOn:     now,
	}
	if err := store.Create(ctx, run); err != nil {
		return nil, nil, err
	}

	storage, err := local.New(outputPath, cfg.Storage.BatchSize, log)
	if err != nil {
		return run, nil, err
	}
	connStore, err := loadConnections(cfg.Executor.ConnectionsFile)
	if err != nil {
		return run, nil, err
	}

	execOpts := []executor.Option{
		executor.WithRunID(name),
		executor.WithVariantID(variantID),
		executor.WithStorage(storage),
		executor.WithLogger(log),
		executor.WithConcurrency(cfg.Executor.NodeConcurrency),
	}
	if cfg.Cache.Enabled {
		cacheStore, err := openCacheStore(ctx, cfg, log)
		if err != nil {
			return run, nil, err
		}
		defer cacheStore.Close()
		execOpts = append(execOpts, executor.WithCacheStore(cacheStore))
	}
	exec, err := executor.New(flow, connStore, execOpts...)
	if err != nil {
		return run, nil, err
	}

	run, err = store.Update(ctx, name, map[string]any{
		"status":     string(contracts.StatusRunning),
		"start_time": now,
	})
	if err != nil {
		return run, nil, err
	}

	engine := batch.NewEngine(exec, storage, cfg.Batch, name, log)
	result, runErr := engine.Run(ctx, opts.FlowDir, data, opts.Mapping)

	status := contracts.StatusFailed
	if result != nil {
		status = result.Status
	}
	updated, updateErr := store.Update(ctx, name, map[string]any{
		"status":   string(status),
		"end_time": time.Now().UTC(),
	})
	if updateErr != nil {
		log.Warn("failed to record run outcome", "run", name, "error", updateErr)
	} else {
		run = updated
	}
	if runErr != nil {
		return run, result, runErr
	}
	return run, result, nil
}

// openCacheStore picks the cache backend configured for node-result reuse.
func openCacheStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (kv.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return redis.New(ctx, cfg.Redis, log)
	case "", "memory":
		return kv.NewMemoryStore(log), nil
	default:
		return nil, errs.User(errs.CodeInvalidConfigValue,
			"unknown cache backend %q: expected \"memory\" or \"redis\"", cfg.Cache.Backend)
	}
}
