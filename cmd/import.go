package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var importOpts struct {
	MinConfidence float64
}

var importCmd = needsDB(&cobra.Command{
	Use:   "import <dir>",
	Short: "Bulk-register known faces from a directory of photos",
	Long: `Registers one face per photo. The person's name is the photo's file name
(alice.jpg) or, for photos in a sub-directory, the directory name
(alice/front.jpg). Photos without a face and names already enrolled are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runImport(cmd.Context(), args[0])
	},
}, dbRequired)

func init() {
	importCmd.Flags().Float64Var(&importOpts.MinConfidence, "min-confidence", 0, "Face detection confidence floor (env DETECTION_MIN_CONFIDENCE)")
	rootCmd.AddCommand(importCmd)
}

func runImport(ctx context.Context, dir string) error {
	paths, err := collectFacePhotos(dir)
	if err != nil {
		utils.ShowError("Failed to read directory", err, nil)
		return err
	}
	if len(paths) == 0 {
		fmt.Println("No photos found.")
		return nil
	}

	sess, engineCmd, err := newOfflineSession(ctx, importOpts.MinConfidence)
	if err != nil {
		utils.ShowError("Model loading failed", err, engineCmd)
		return err
	}
	defer sess.Close()

	// Already-enrolled names are skipped, not overwritten.
	stored, err := DB.ListFaces(ctx, false)
	if err != nil {
		utils.ShowError("Failed to list faces", err, nil)
		return err
	}
	existing := make([]types.Identity, 0, len(stored))
	for _, f := range stored {
		existing = append(existing, f.Identity)
	}
	sess.RestoreIdentities(existing)

	sources := make([]session.FaceSource, 0, len(paths))
	for _, p := range paths {
		img, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping %s: %v\n", p, err)
			continue
		}
		sources = append(sources, session.FaceSource{Name: nameFromPath(dir, p), Image: img})
	}

	bar := progressbar.NewOptions(len(sources),
		progressbar.OptionSetDescription("👥 Importing faces"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	report, err := sess.LoadKnownFaces(ctx, sources, func(done int) { _ = bar.Set(done) })
	_ = bar.Finish()
	if err != nil {
		utils.ShowError("Import interrupted", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Import complete. %d registered, %d skipped.\n", len(report.Loaded), len(report.Skipped))
	for _, s := range report.Skipped {
		fmt.Fprintf(os.Stderr, "   - %s: %v\n", s.Name, s.Err)
	}
	return nil
}

var photoExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

func collectFacePhotos(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && photoExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

// nameFromPath derives the person's name from a photo path under root.
func nameFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	if d := filepath.Dir(rel); d != "." {
		return strings.SplitN(filepath.ToSlash(d), "/", 2)[0]
	}
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
