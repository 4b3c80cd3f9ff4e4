package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/relay"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var relayOpts struct {
	Addr    string
	Origins []string
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the alert relay that turns alerts into e-mails",
	Long: `Serves POST /notify and GET /health. Alerts are logged and, when SMTP_HOST,
MAIL_FROM and MAIL_TO are set, mailed to the recipients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRelay(cmd.Context())
	},
}

func init() {
	relayCmd.Flags().StringVarP(&relayOpts.Addr, "addr", "a", "", "Listen address (env RELAY_ADDR, default :3000)")
	relayCmd.Flags().StringSliceVar(&relayOpts.Origins, "origin", nil, "Allowed CORS origins (default any)")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(ctx context.Context) error {
	addr := relayOpts.Addr
	if addr == "" {
		addr = Cfg.Relay.Addr
	}
	report := utils.NewReporter(os.Stderr)

	srv := &relay.Server{Reporter: report, Origins: relayOpts.Origins}
	if Cfg.Relay.SMTPHost != "" {
		mailer, err := relay.NewSMTPMailer(Cfg.Relay.SMTPHost, Cfg.Relay.SMTPPort, Cfg.Relay.SMTPUser,
			Cfg.Relay.SMTPPassword, Cfg.Relay.MailFrom, Cfg.Relay.MailTo)
		if err != nil {
			utils.ShowError("Invalid mail configuration", err, nil)
			return err
		}
		srv.Mailer = mailer
		fmt.Fprintf(os.Stderr, "📧 Mailing alerts to %d recipient(s) via %s\n", len(Cfg.Relay.MailTo), Cfg.Relay.SMTPHost)
	} else {
		report.Warnf("SMTP_HOST not set; alerts will only be logged")
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	fmt.Fprintf(os.Stderr, "📡 Relay listening on %s\n", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			utils.ShowError("Relay server failed", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
