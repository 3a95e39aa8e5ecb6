package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nicholaskb/semant/internal/config"
	"github.com/nicholaskb/semant/internal/engine"
	"github.com/nicholaskb/semant/internal/triplestore"
	"github.com/nicholaskb/semant/internal/types"
	"github.com/nicholaskb/semant/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Submit, inspect, and cancel workflows",
}

var workflowSpecFile string

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workflow spec and drive it to completion",
	Long: `Reads a YAML workflow spec, drives it through the orchestration
pipeline (create, notify, visualize, review, validate, execute, analyze),
and prints the final workflow state. Worker and reviewer agents must be
registered with the engine for the workflow to progress.`,
	RunE: runWorkflowSubmit,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get WORKFLOW_ID",
	Short: "Show a persisted workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowGet,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted workflows",
	RunE:  runWorkflowList,
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel WORKFLOW_ID",
	Short: "Cancel a persisted workflow",
	Long: `Marks the workflow cancelled: pending steps become skipped. Only
workflows that have not reached a terminal state can be cancelled.`,
	RunE: runWorkflowCancel,
	Args: cobra.ExactArgs(1),
}

func init() {
	workflowSubmitCmd.Flags().StringVarP(&workflowSpecFile, "file", "f", "", "workflow spec file (YAML)")
	_ = workflowSubmitCmd.MarkFlagRequired("file")

	workflowCmd.AddCommand(workflowSubmitCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
}

// openMapper opens the configured SQLite triple store for direct reads and
// writes outside a running engine.
func openMapper(cfg *config.Config) (*triplestore.SQLiteStore, *triplestore.Mapper, error) {
	store, err := triplestore.OpenWithConfig(triplestore.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
		WALMode:     cfg.Database.WALMode,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, triplestore.NewMapper(store), nil
}

func runWorkflowSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(workflowSpecFile)
	if err != nil {
		return fmt.Errorf("failed to read spec file: %w", err)
	}
	var spec workflow.Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("failed to parse spec file: %w", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Close(closeCtx)
	}()

	eng.Start(ctx)
	final, err := eng.Submit(ctx, spec)
	if final != nil {
		printJSON(cmd, final)
	}
	return err
}

func runWorkflowGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id, err := types.ParseID(args[0])
	if err != nil {
		return err
	}

	store, mapper, err := openMapper(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	w, err := mapper.LoadWorkflow(cmd.Context(), id)
	if err != nil {
		return err
	}
	printJSON(cmd, w)
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, mapper, err := openMapper(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := mapper.ListWorkflowIDs(cmd.Context())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTEPS\tUPDATED")
	for _, id := range ids {
		w, err := mapper.LoadWorkflow(cmd.Context(), id)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			w.ID, w.Name, w.Status, len(w.Steps), w.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id, err := types.ParseID(args[0])
	if err != nil {
		return err
	}

	tripleStore, mapper, err := openMapper(cfg)
	if err != nil {
		return err
	}
	defer tripleStore.Close()

	w, err := mapper.LoadWorkflow(cmd.Context(), id)
	if err != nil {
		return err
	}

	store := workflow.NewStore(mapper)
	if err := store.Restore(w); err != nil {
		return err
	}
	if err := store.CancelWorkflow(cmd.Context(), id); err != nil {
		return err
	}

	cmd.Printf("Workflow %s cancelled\n", id)
	return nil
}

func printJSON(cmd *cobra.Command, v any) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		cmd.PrintErrf("failed to encode output: %v\n", err)
		return
	}
	cmd.Println(string(encoded))
}
