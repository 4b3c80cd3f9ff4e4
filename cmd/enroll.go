package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
)

var enrollOpts struct {
	Force         bool
	MatchRadius   float64
	MinConfidence float64
}

var enrollCmd = needsDB(&cobra.Command{
	Use:   "enroll <name> <image_path>",
	Short: "Register a known face from a photo containing exactly one face",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], args[1])
	},
}, dbRequired)

func init() {
	enrollCmd.Flags().BoolVar(&enrollOpts.Force, "force", false, "Replace an existing face with the same name")
	enrollCmd.Flags().Float64VarP(&enrollOpts.MatchRadius, "radius", "r", 0, "Warn when another person is closer than this (env MATCH_RADIUS)")
	enrollCmd.Flags().Float64Var(&enrollOpts.MinConfidence, "min-confidence", 0, "Face detection confidence floor (env DETECTION_MIN_CONFIDENCE)")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, name, imagePath string) error {
	name = strings.TrimSpace(name)
	img, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image", err, nil)
		return err
	}

	_, err = DB.GetFace(ctx, name)
	switch {
	case err == nil && !enrollOpts.Force:
		err = fmt.Errorf("%w: %q (use --force to replace)", registry.ErrDuplicateName, name)
		utils.ShowError("Face already enrolled", err, nil)
		return err
	case err != nil && !errors.Is(err, store.ErrNotFound):
		utils.ShowError("Failed to query database", err, nil)
		return err
	}

	sess, engineCmd, err := newOfflineSession(ctx, enrollOpts.MinConfidence)
	if err != nil {
		utils.ShowError("Model loading failed", err, engineCmd)
		return err
	}
	defer sess.Close()

	id, err := sess.SaveFace(ctx, name, img)
	if err != nil {
		utils.ShowError("Enrollment failed", err, nil)
		return err
	}
	fmt.Printf("✅ Enrolled '%s'\n", id.Name)

	warnNearNeighbors(ctx, id, enrollOpts.MatchRadius)
	return nil
}

// newOfflineSession loads the engine for enrollment without a camera. Saved
// faces go straight to the database.
func newOfflineSession(ctx context.Context, minConfidence float64) (*session.Session, *utils.SafeCommand, error) {
	if minConfidence <= 0 {
		minConfidence = Cfg.Detection.MinConfidence
	}
	var engineCmd *utils.SafeCommand
	sess, err := session.New(session.Options{
		Loader: func(ctx context.Context) (session.Engine, error) {
			eng, err := worker.NewPythonEngine(ctx, worker.Config{
				Python:      Cfg.Engine.Python,
				Script:      Cfg.Engine.Script,
				ModelDir:    Cfg.Engine.ModelDir,
				LoadTimeout: Cfg.Engine.LoadTimeout,
				ReadTimeout: Cfg.Engine.ReadTimeout,
			})
			if err != nil {
				return nil, err
			}
			engineCmd = eng.Cmd
			return eng, nil
		},
		Reporter:      utils.NewReporter(os.Stderr),
		FaceStore:     DB,
		MinConfidence: minConfidence,
	})
	if err != nil {
		return nil, nil, err
	}

	fmt.Fprintf(os.Stderr, "🧠 Loading models from %s...\n", Cfg.Engine.ModelDir)
	if err := sess.LoadModels(ctx); err != nil {
		return nil, engineCmd, err
	}
	return sess, engineCmd, nil
}

// warnNearNeighbors flags other enrolled people the new face could be
// mistaken for.
func warnNearNeighbors(ctx context.Context, id types.Identity, radius float64) {
	if radius <= 0 {
		radius = Cfg.Detection.MatchRadius
	}
	neighbors, err := DB.NearestFaces(ctx, id.Embedding, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not check for look-alikes: %v\n", err)
		return
	}
	key := registry.NormalizeName(id.Name)
	for _, n := range neighbors {
		if registry.NormalizeName(n.Name) == key || n.Distance >= radius {
			continue
		}
		fmt.Fprintf(os.Stderr, "⚠️  '%s' is within match radius of '%s' (distance %.3f); they may be confused\n", id.Name, n.Name, n.Distance)
	}
}
