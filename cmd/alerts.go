package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var alertsOpts struct {
	Name  string
	Since time.Duration
	Limit int
	JSON  bool
}

var alertsCmd = needsDB(&cobra.Command{
	Use:   "alerts",
	Short: "Show the emotion alert log, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		runAlerts(cmd.Context())
	},
}, dbRequired)

func init() {
	alertsCmd.Flags().StringVarP(&alertsOpts.Name, "name", "n", "", "Only alerts for this person")
	alertsCmd.Flags().DurationVarP(&alertsOpts.Since, "since", "s", 0, "Only alerts newer than this, e.g. 24h")
	alertsCmd.Flags().IntVarP(&alertsOpts.Limit, "limit", "l", 50, "Maximum number of alerts (0 for all)")
	alertsCmd.Flags().BoolVar(&alertsOpts.JSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(alertsCmd)
}

func runAlerts(ctx context.Context) {
	filter := store.AlertFilter{Name: alertsOpts.Name, Limit: alertsOpts.Limit}
	if alertsOpts.Since > 0 {
		filter.Since = time.Now().Add(-alertsOpts.Since)
	}
	alerts, err := DB.ListAlerts(ctx, filter)
	if err != nil {
		utils.Die("Failed to list alerts", err, nil)
	}

	if alertsOpts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(alerts); err != nil {
			utils.Die("Failed to encode alerts", err, nil)
		}
		return
	}

	if len(alerts) == 0 {
		fmt.Println("No alerts recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tNAME\tEMOTION\tSCORE")
	fmt.Fprintln(w, "----\t----\t-------\t-----")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\n", a.ObservedAt.Local().Format("2006-01-02 15:04:05"), a.IdentityName, a.Emotion, a.Score*100)
	}
	w.Flush()
}
