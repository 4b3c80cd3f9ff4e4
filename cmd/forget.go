package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/utils"
)

var forgetAll bool

var forgetCmd = needsDB(&cobra.Command{
	Use:   "forget [name]",
	Short: "Remove an enrolled face, or every face with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if forgetAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if forgetAll {
			runForgetAll(cmd.Context())
			return
		}
		runForget(cmd.Context(), args[0])
	},
}, dbRequired)

func init() {
	forgetCmd.Flags().BoolVar(&forgetAll, "all", false, "Remove every enrolled face")
	rootCmd.AddCommand(forgetCmd)
}

func runForget(ctx context.Context, name string) {
	if err := DB.DeleteFace(ctx, name); err != nil {
		utils.Die("Failed to forget face", err, nil)
	}
	fmt.Printf("🗑️  Forgot '%s'\n", name)
}

func runForgetAll(ctx context.Context) {
	if !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to remove ALL enrolled faces?") {
		return
	}
	n, err := DB.ClearFaces(ctx)
	if err != nil {
		utils.Die("Failed to clear faces", err, nil)
	}
	fmt.Printf("🗑️  Removed %d faces\n", n)
}
