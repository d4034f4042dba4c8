package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/taskworker/pkg/config"
	"github.com/cuemby/taskworker/pkg/storage"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent cycles and open claims from the local journal",
	Long: `History prints the task runs this worker resolved, newest first, followed
by any claims that are still open. Run it while the worker is stopped: the
journal allows one process at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer store.Close()

		resolutions, err := store.ListResolutions(limit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tRUN\tSTATUS\tDURATION\tRESOLVED\tERROR")
		for _, r := range resolutions {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
				r.TaskID, r.RunID, r.Status,
				r.ResolvedAt.Sub(r.ClaimedAt).Round(time.Second),
				r.ResolvedAt.Format(time.RFC3339), r.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		claims, err := store.ListClaims()
		if err != nil {
			return err
		}
		if len(claims) == 0 {
			return nil
		}

		fmt.Println()
		fmt.Println("Open claims:")
		for _, c := range claims {
			fmt.Printf("  %s run %d, phase %s, claimed %s\n", c.TaskID, c.RunID, c.Phase, c.ClaimedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Number of resolutions to show (0 for all)")
}
