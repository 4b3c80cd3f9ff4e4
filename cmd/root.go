package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/types"
)

// dbAnnotation marks how much a command needs the database.
const (
	dbAnnotation = "facewatch/db"
	dbRequired   = "required"
	dbOptional   = "optional"
)

var (
	// DB is the shared database handle; nil when the command runs without one.
	DB *store.Store
	// Cfg is the environment configuration, loaded before any command runs.
	Cfg *config.Config
	// dbURL overrides the environment connection string.
	dbURL string
	// envFile is the dotenv file read on start-up.
	envFile string
)

var errNoDatabase = errors.New("no database configured: set DATABASE_URL or POSTGRES_HOST, or pass --db")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facewatch",
	Short:   "Real-time face identification and emotion alerts from a live camera",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; the real environment still applies.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", envFile, err)
		}
		Cfg = config.Load()
		if dbURL == "" {
			dbURL = Cfg.Database.URL
		}

		need := cmd.Annotations[dbAnnotation]
		if need == "" {
			return nil
		}
		if dbURL == "" {
			if need == dbRequired {
				return errNoDatabase
			}
			return nil
		}

		var err error
		DB, err = store.New(cmd.Context(), dbURL, types.DescriptorDim)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Ctrl+C or SIGTERM cancels the command context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_* env)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
}

// needsDB tags cmd with its database requirement.
func needsDB(cmd *cobra.Command, level string) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[dbAnnotation] = level
	return cmd
}
