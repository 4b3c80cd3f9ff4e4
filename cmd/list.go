package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/utils"
)

var listCmd = needsDB(&cobra.Command{
	Use:   "list",
	Short: "List all enrolled faces",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}, dbRequired)

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	faces, err := DB.ListFaces(ctx, false)
	if err != nil {
		utils.Die("Failed to list faces", err, nil)
	}

	if len(faces) == 0 {
		fmt.Println("No faces enrolled.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREGISTERED")
	fmt.Fprintln(w, "--\t----\t----------")

	for _, f := range faces {
		fmt.Fprintf(w, "%d\t%s\t%s\n", f.ID, f.Identity.Name, f.Identity.RegisteredAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
