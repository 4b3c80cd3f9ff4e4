package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/api"
	"github.com/andresmejia3/facewatch/internal/capture"
	"github.com/andresmejia3/facewatch/internal/emotion"
	"github.com/andresmejia3/facewatch/internal/notify"
	"github.com/andresmejia3/facewatch/internal/overlay"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
)

// WatchOptions are the flags of the watch command. Zero values fall back to
// the environment configuration.
type WatchOptions struct {
	Device        string
	Format        string
	Width         int
	Height        int
	FrameRate     int
	Thresholds    string
	Cooldown      time.Duration
	RelayURL      string
	ControlAddr   string
	MatchRadius   float64
	MinConfidence float64
	Interval      time.Duration
	NoStart       bool
}

var watchOpts WatchOptions

var watchCmd = needsDB(&cobra.Command{
	Use:   "watch",
	Short: "Watch the camera, label known faces and raise emotion alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatch(cmd, watchOpts)
	},
}, dbOptional)

func init() {
	watchCmd.Flags().StringVarP(&watchOpts.Device, "device", "i", "", "Camera device or stream URL (env CAMERA_DEVICE)")
	watchCmd.Flags().StringVarP(&watchOpts.Format, "format", "f", "", "ffmpeg input format, e.g. v4l2 or avfoundation (env CAMERA_FORMAT)")
	watchCmd.Flags().IntVar(&watchOpts.Width, "width", 0, "Capture width (env CAMERA_WIDTH)")
	watchCmd.Flags().IntVar(&watchOpts.Height, "height", 0, "Capture height (env CAMERA_HEIGHT)")
	watchCmd.Flags().IntVar(&watchOpts.FrameRate, "fps", 0, "Capture frame rate (env CAMERA_FPS)")
	watchCmd.Flags().StringVarP(&watchOpts.Thresholds, "thresholds", "t", "", "YAML thresholds file (env THRESHOLDS_FILE)")
	watchCmd.Flags().DurationVar(&watchOpts.Cooldown, "cooldown", -1, "Minimum time between repeated alerts for the same person and emotion (env ALERT_COOLDOWN)")
	watchCmd.Flags().StringVar(&watchOpts.RelayURL, "relay-url", "", "URL alerts are POSTed to (env ALERT_RELAY_URL)")
	watchCmd.Flags().StringVar(&watchOpts.ControlAddr, "control-addr", "", "Listen address of the control API, e.g. :8080 (env CONTROL_ADDR)")
	watchCmd.Flags().Float64VarP(&watchOpts.MatchRadius, "radius", "r", 0, "Face match radius, lower is stricter (env MATCH_RADIUS)")
	watchCmd.Flags().Float64Var(&watchOpts.MinConfidence, "min-confidence", 0, "Face detection confidence floor (env DETECTION_MIN_CONFIDENCE)")
	watchCmd.Flags().DurationVar(&watchOpts.Interval, "interval", 0, "Fixed tick interval; 0 ticks on every new frame (env DETECTION_INTERVAL)")
	watchCmd.Flags().BoolVar(&watchOpts.NoStart, "no-start", false, "Load models but wait for POST /session/start before opening the camera")
	rootCmd.AddCommand(watchCmd)
}

// applyFlags overlays explicitly set flags onto the environment config.
func (o WatchOptions) applyFlags() {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	setStr(&Cfg.Camera.Device, o.Device)
	setStr(&Cfg.Camera.Format, o.Format)
	setInt(&Cfg.Camera.Width, o.Width)
	setInt(&Cfg.Camera.Height, o.Height)
	setInt(&Cfg.Camera.FrameRate, o.FrameRate)
	setStr(&Cfg.Alerts.ThresholdsFile, o.Thresholds)
	setStr(&Cfg.Alerts.RelayURL, o.RelayURL)
	setStr(&Cfg.ControlAPI, o.ControlAddr)
	if o.Cooldown >= 0 {
		Cfg.Alerts.Cooldown = o.Cooldown
	}
	if o.MatchRadius > 0 {
		Cfg.Detection.MatchRadius = o.MatchRadius
	}
	if o.MinConfidence > 0 {
		Cfg.Detection.MinConfidence = o.MinConfidence
	}
	if o.Interval > 0 {
		Cfg.Detection.Interval = o.Interval
	}
}

func runWatch(cmd *cobra.Command, opts WatchOptions) error {
	ctx := cmd.Context()
	opts.applyFlags()
	report := utils.NewReporter(os.Stderr)

	thresholds, err := loadThresholds(Cfg.Alerts.ThresholdsFile)
	if err != nil {
		utils.ShowError("Invalid thresholds", err, nil)
		return err
	}

	// Alert fan-out: SSE listeners always, the relay and the alert log when configured.
	hub := notify.NewHub(16)
	sinks := notify.Multi{hub}
	if Cfg.Alerts.RelayURL != "" {
		sinks = append(sinks, notify.NewHTTPSink(Cfg.Alerts.RelayURL))
		fmt.Fprintf(os.Stderr, "📨 Forwarding alerts to %s\n", Cfg.Alerts.RelayURL)
	}
	var faceStore session.FaceStore
	if DB != nil {
		sinks = append(sinks, notify.StoreSink{Recorder: DB})
		faceStore = DB
	}
	dispatcher := notify.NewDispatcher(sinks, notify.DispatcherConfig{
		QueueSize: Cfg.Alerts.QueueSize,
		Reporter:  report,
	})
	defer dispatcher.Close()

	canvas := overlay.NewCanvas(types.Size{Width: Cfg.Detection.DisplayWidth, Height: Cfg.Detection.DisplayHeight})

	engineCfg := worker.Config{
		Python:      Cfg.Engine.Python,
		Script:      Cfg.Engine.Script,
		ModelDir:    Cfg.Engine.ModelDir,
		LoadTimeout: Cfg.Engine.LoadTimeout,
		ReadTimeout: Cfg.Engine.ReadTimeout,
	}
	input := utils.CaptureInput{
		Format:    Cfg.Camera.Format,
		Device:    Cfg.Camera.Device,
		Width:     Cfg.Camera.Width,
		Height:    Cfg.Camera.Height,
		FrameRate: Cfg.Camera.FrameRate,
	}

	var engineCmd *utils.SafeCommand
	sess, err := session.New(session.Options{
		Loader: func(ctx context.Context) (session.Engine, error) {
			eng, err := worker.NewPythonEngine(ctx, engineCfg)
			if err != nil {
				return nil, err
			}
			engineCmd = eng.Cmd
			return eng, nil
		},
		Cameras: func() (session.Camera, error) {
			return capture.New(input), nil
		},
		Surface:       canvas,
		Sink:          dispatcher,
		Reporter:      report,
		FaceStore:     faceStore,
		Thresholds:    thresholds,
		Cooldown:      Cfg.Alerts.Cooldown,
		MinConfidence: Cfg.Detection.MinConfidence,
		MatchRadius:   Cfg.Detection.MatchRadius,
		Interval:      Cfg.Detection.Interval,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if DB != nil {
		if err := restoreFaces(ctx, sess); err != nil {
			utils.ShowError("Failed to load known faces", err, nil)
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "🧠 Loading models from %s...\n", Cfg.Engine.ModelDir)
	if err := sess.LoadModels(ctx); err != nil {
		utils.ShowError("Model loading failed", err, engineCmd)
		return err
	}

	var srv *http.Server
	if Cfg.ControlAPI != "" {
		srv = &http.Server{
			Addr:              Cfg.ControlAPI,
			Handler:           (&api.Server{Session: sess, Canvas: canvas, Events: hub}).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				report.Errorf("Control API stopped: %v", err)
			}
		}()
		fmt.Fprintf(os.Stderr, "🎛️  Control API listening on %s\n", Cfg.ControlAPI)
	}

	if !opts.NoStart {
		fmt.Fprintf(os.Stderr, "📷 Opening %s...\n", Cfg.Camera.Device)
		if err := sess.Start(ctx); err != nil {
			utils.ShowError("Camera start failed", err, nil)
			if srv == nil {
				return err
			}
		}
	}

	waitForExit(ctx, sess, srv == nil)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	st := sess.Status()
	ds := dispatcher.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Watch ended. %d frames analysed, %d faces, %d alerts (%d delivered, %d dropped).\n",
		st.Loop.Ticks-st.Loop.Skipped, st.Loop.Faces, st.Loop.Alerts, ds.Delivered, ds.Dropped)
	return nil
}

// waitForExit blocks until ctx is cancelled. Without a control API nothing
// can restart a stopped session, so a camera failure ends the watch too.
func waitForExit(ctx context.Context, sess *session.Session, exitOnStop bool) {
	if !exitOnStop {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.State() == session.Stopped {
				return
			}
		}
	}
}

func loadThresholds(path string) (*emotion.ThresholdStore, error) {
	if path == "" {
		return emotion.NewThresholdStore(nil)
	}
	th, err := emotion.LoadThresholdsFile(path)
	if err != nil {
		return nil, err
	}
	return emotion.NewThresholdStore(th)
}

// restoreFaces seeds the session registry from the database.
func restoreFaces(ctx context.Context, sess *session.Session) error {
	stored, err := DB.ListFaces(ctx, false)
	if err != nil {
		return err
	}
	ids := make([]types.Identity, 0, len(stored))
	for _, f := range stored {
		ids = append(ids, f.Identity)
	}
	report := sess.RestoreIdentities(ids)
	fmt.Fprintf(os.Stderr, "👥 %d known faces loaded (%d skipped)\n", len(report.Loaded), len(report.Skipped))
	return nil
}
