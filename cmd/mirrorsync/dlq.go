package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coreplane/mirrorsync/internal/config"
	"github.com/coreplane/mirrorsync/internal/store"
	"github.com/coreplane/mirrorsync/internal/types"
)

var (
	dlqOrgID      string
	dlqJSONOutput bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead-letter queue",
	Long:  "List, requeue, and discard quarantined modifications without running the server.",
}

func init() {
	dlqCmd.PersistentFlags().BoolVar(&dlqJSONOutput, "json", false,
		"Output in JSON format")

	dlqListCmd.Flags().StringVar(&dlqOrgID, "org", "",
		"Organization ID (required)")
	dlqListCmd.MarkFlagRequired("org")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqDiscardCmd)
}

// openStore opens the configured database directly.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered modifications for an organization",
	RunE:  runDLQList,
}

func runDLQList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	mods, err := db.ListByState(context.Background(), dlqOrgID, types.StateDeadLettered)
	if err != nil {
		return err
	}

	if dlqJSONOutput {
		return printJSON(cmd.OutOrStdout(), mods)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMIRROR\tUSER\tRETRIES\tLAST ERROR")
	for _, mod := range mods {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			mod.ID, mod.MirrorID, mod.UserID, mod.RetryCount, mod.LastError)
	}
	return w.Flush()
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <modification-id>",
	Short: "Return a dead-lettered modification to the sync queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRequeue,
}

func runDLQRequeue(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	mod, err := db.RequeueDeadLetter(context.Background(), args[0])
	if err != nil {
		return err
	}

	if dlqJSONOutput {
		return printJSON(cmd.OutOrStdout(), mod)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (mirror %s, user %s)\n",
		mod.ID, mod.MirrorID, mod.UserID)
	return nil
}

var dlqDiscardCmd = &cobra.Command{
	Use:   "discard <modification-id>",
	Short: "Permanently delete a dead-lettered modification",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDiscard,
}

func runDLQDiscard(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	mod, err := db.GetModification(ctx, args[0])
	if err != nil {
		return err
	}
	if mod.SyncState != types.StateDeadLettered {
		return fmt.Errorf("modification %s is %s, not dead-lettered", mod.ID, mod.SyncState)
	}

	if err := db.DeleteDraft(ctx, mod.MirrorID, mod.UserID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", mod.ID)
	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
