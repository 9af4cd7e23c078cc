package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lyzr/promptflow/common/server"
	"github.com/lyzr/promptflow/connections"
	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor"
	"github.com/lyzr/promptflow/serving"
)

func newFlowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Test and serve flows",
	}
	cmd.AddCommand(newFlowTestCmd(), newFlowServeCmd(), newFlowValidateCmd())
	return cmd
}

func newFlowValidateCmd() *cobra.Command {
	var flowDir string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a flow definition without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := contracts.LoadFlow(flowDir)
			if err != nil {
				return err
			}
			if err := flow.Validate(); err != nil {
				return err
			}
			fmt.Printf("flow %s is valid: %d nodes, %d aggregation\n",
				flowDir, len(flow.Nodes), len(flow.AggregationNodes()))
			return nil
		},
	}
	cmd.Flags().StringVar(&flowDir, "flow", ".", "flow folder")
	return cmd
}

func newFlowTestCmd() *cobra.Command {
	var (
		flowDir    string
		inputPairs []string
		inputsFile string
		nodeName   string
		variant    string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Execute a flow (or a single node) once with the given inputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("pf-flow-test")
			if err != nil {
				return err
			}

			flow, err := contracts.LoadFlow(flowDir)
			if err != nil {
				return err
			}
			if variant != "" {
				vNode, vID, err := parseVariant(variant)
				if err != nil {
					return err
				}
				if err := flow.ApplyVariant(vNode, vID); err != nil {
					return err
				}
			}
			if err := flow.Validate(); err != nil {
				return err
			}

			inputs, err := collectInputs(inputPairs, inputsFile)
			if err != nil {
				return err
			}
			store, err := loadConnections(cfg.Executor.ConnectionsFile)
			if err != nil {
				return err
			}

			if nodeName != "" {
				info, err := executor.LoadAndExecNode(cmd.Context(), flow, nodeName, inputs, nil, store,
					executor.WithLogger(log))
				if err != nil {
					return err
				}
				return printJSON(info)
			}

			exec, err := executor.New(flow, store,
				executor.WithLogger(log),
				executor.WithConcurrency(cfg.Executor.NodeConcurrency))
			if err != nil {
				return err
			}
			result := exec.ExecLine(cmd.Context(), inputs, nil, false)
			if result.RunInfo.Status != contracts.StatusCompleted {
				if err := printJSON(result.RunInfo.Error); err != nil {
					return err
				}
				return fmt.Errorf("flow test failed")
			}
			return printJSON(result.Output)
		},
	}
	cmd.Flags().StringVar(&flowDir, "flow", ".", "flow folder")
	cmd.Flags().StringArrayVar(&inputPairs, "inputs", nil, "flow input as name=value (repeatable)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "JSON file with flow inputs")
	cmd.Flags().StringVar(&nodeName, "node", "", "run only this node")
	cmd.Flags().StringVar(&variant, "variant", "", "node variant as ${node.variant_id}")
	return cmd
}

func newFlowServeCmd() *cobra.Command {
	var (
		flowDir string
		port    int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a flow as an HTTP scoring endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("pf-serve")
			if err != nil {
				return err
			}
			if flowDir != "" {
				cfg.Service.ProjectPath = flowDir
			}
			if port != 0 {
				cfg.Service.Port = port
			}
			app, err := serving.New(cfg, log)
			if err != nil {
				return err
			}
			return server.New("pf-serve", cfg.Service.Port, app.Handler(), log).Start()
		},
	}
	cmd.Flags().StringVar(&flowDir, "flow", "", "flow folder (defaults to PROMPTFLOW_PROJECT_PATH)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	return cmd
}

var variantPattern = regexp.MustCompile(`^\$\{([^.}]+)\.([^.}]+)\}$`)

// parseVariant splits "${node.variant_id}".
func parseVariant(s string) (node, variantID string, err error) {
	m := variantPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", fmt.Errorf("invalid variant %q: expected ${node.variant_id}", s)
	}
	return m[1], m[2], nil
}

// collectInputs merges an optional JSON inputs file with name=value pairs;
// pairs win. Values that parse as JSON are typed, others stay strings.
func collectInputs(pairs []string, file string) (map[string]any, error) {
	inputs := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("invalid inputs file: %w", err)
		}
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid input %q: expected name=value", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			inputs[name] = typed
		} else {
			inputs[name] = value
		}
	}
	return inputs, nil
}

func loadConnections(path string) (connections.Store, error) {
	if path == "" {
		return nil, nil
	}
	return connections.LoadFileStore(path)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
