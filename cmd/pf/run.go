package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lyzr/promptflow/common/config"
	"github.com/lyzr/promptflow/common/db"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/entities"
	"github.com/lyzr/promptflow/storage/local"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and manage batch runs",
	}
	cmd.AddCommand(
		newRunCreateCmd(),
		newRunGetCmd(),
		newRunListCmd(),
		newRunArchiveCmd(),
		newRunRestoreCmd(),
		newRunShowDetailsCmd(),
		newRunShowMetricsCmd(),
	)
	return cmd
}

func newRunCreateCmd() *cobra.Command {
	var (
		flowDir      string
		name         string
		variant      string
		parentRun    string
		dataPairs    []string
		mappingPairs []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Run a flow over a batch of inputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("pf-run")
			if err != nil {
				return err
			}
			store, closeStore, err := openRunStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			data, err := parsePairs(dataPairs, "data")
			if err != nil {
				return err
			}
			if len(data) == 0 && parentRun == "" {
				return fmt.Errorf("at least one --data alias=path (or --run) is required")
			}
			mapping, err := parsePairs(mappingPairs, "column-mapping")
			if err != nil {
				return err
			}

			run, result, err := submitRun(cmd.Context(), cfg, log, store, submitOptions{
				FlowDir: flowDir,
				Name:    name,
				Variant: variant,
				Run:     parentRun,
				Data:    data,
				Mapping: mapping,
			})
			if err != nil {
				return err
			}
			if err := printJSON(run); err != nil {
				return err
			}
			if result.Error != nil {
				fmt.Println(result.Error.Error())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flowDir, "flow", ".", "flow folder")
	cmd.Flags().StringVar(&name, "name", "", "run name (generated when empty)")
	cmd.Flags().StringVar(&variant, "variant", "", "node variant as ${node.variant_id}")
	cmd.Flags().StringVar(&parentRun, "run", "", "parent run whose inputs/outputs feed ${run.inputs.*} and ${run.outputs.*}")
	cmd.Flags().StringArrayVar(&dataPairs, "data", nil, "input source as alias=path (repeatable; bare path means data=path)")
	cmd.Flags().StringArrayVar(&mappingPairs, "column-mapping", nil, "flow input mapping as name=expression (repeatable)")
	return cmd
}

func newRunGetCmd() *cobra.Command {
	return runLookupCmd("get", "Show a run record", func(ctx context.Context, store entities.Store, name string) error {
		run, err := store.Get(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(run)
	})
}

func newRunListCmd() *cobra.Command {
	var (
		archived   bool
		all        bool
		maxResults int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("pf-run")
			if err != nil {
				return err
			}
			store, closeStore, err := openRunStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			view := entities.ViewActive
			if archived {
				view = entities.ViewArchived
			}
			if all {
				view = entities.ViewAll
			}
			runs, err := store.List(cmd.Context(), entities.ListOptions{View: view, MaxResults: maxResults})
			if err != nil {
				return err
			}
			return printJSON(runs)
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived runs only")
	cmd.Flags().BoolVar(&all, "all", false, "include archived runs")
	cmd.Flags().IntVar(&maxResults, "max-results", 50, "maximum runs to return (0 for all)")
	return cmd
}

func newRunArchiveCmd() *cobra.Command {
	return runLookupCmd("archive", "Archive a run", func(ctx context.Context, store entities.Store, name string) error {
		run, err := store.Archive(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(run)
	})
}

func newRunRestoreCmd() *cobra.Command {
	return runLookupCmd("restore", "Restore an archived run", func(ctx context.Context, store entities.Store, name string) error {
		run, err := store.Restore(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(run)
	})
}

func newRunShowDetailsCmd() *cobra.Command {
	return runLookupCmd("show-details", "Show a run's aligned inputs and outputs", func(ctx context.Context, store entities.Store, name string) error {
		storage, err := openRunStorage(ctx, store, name)
		if err != nil {
			return err
		}
		inputs, outputs, err := storage.LoadInputsAndOutputs()
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"inputs": inputs, "outputs": outputs})
	})
}

func newRunShowMetricsCmd() *cobra.Command {
	return runLookupCmd("show-metrics", "Show a run's aggregation metrics", func(ctx context.Context, store entities.Store, name string) error {
		storage, err := openRunStorage(ctx, store, name)
		if err != nil {
			return err
		}
		metrics, err := storage.LoadMetrics()
		if err != nil {
			return err
		}
		return printJSON(metrics)
	})
}

// runLookupCmd builds the common shape of single-run subcommands.
func runLookupCmd(use, short string, fn func(ctx context.Context, store entities.Store, name string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("pf-run")
			if err != nil {
				return err
			}
			store, closeStore, err := openRunStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()
			return fn(cmd.Context(), store, args[0])
		},
	}
}

// openRunStore picks the run store backend: Postgres when configured,
// otherwise the file store under ~/.promptflow/.runs.
func openRunStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (entities.Store, func(), error) {
	if cfg.Database.Host != "" {
		database, err := db.New(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		store := entities.NewPostgresStore(database, log)
		if err := store.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		return store, database.Close, nil
	}
	dir, err := entities.DefaultRunsDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := entities.NewFileStore(dir, log)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// openRunStorage opens the run folder recorded on the run entity.
func openRunStorage(ctx context.Context, store entities.Store, name string) (*local.Storage, error) {
	run, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return local.New(run.OutputPath, 1, logger.Discard())
}

// parsePairs parses repeated k=v flags. A bare value gets the default key.
func parsePairs(pairs []string, defaultKey string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			out[defaultKey] = pair
			continue
		}
		if key == "" || value == "" {
			return nil, fmt.Errorf("invalid pair %q: expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
