package main

import (
	"fmt"

	"github.com/dgnsrekt/readaloud/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: paragraph(fmt.Sprintf("\n%s conversions over HTTP. Uploads are queued and converted one at a time; "+
		"narrations are served from signed URLs.", keyword("Serve"))),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := stderrLogger("serve")
		a, err := openApp(logger)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		// without tokens every request acts as the configured user
		defaultUser := ""
		if len(cfg.Server.Tokens) == 0 {
			defaultUser, _ = a.session.Actor(cmd.Context())
		}

		srv, err := server.New(server.Deps{
			Conversions: a.pipeline,
			Blobs:       a.blobs,
			Tracker:     a.tracker,
			Events:      a.bus,
		}, server.Config{
			Addr:           cfg.Server.Addr,
			RequestTimeout: cfg.Server.RequestTimeout,
			MaxUploadSize:  int64(cfg.Server.MaxUploadMB) << 20,
			QueueSize:      cfg.Server.QueueSize,
			Tokens:         cfg.Server.Tokens,
			DefaultUser:    defaultUser,
		}, logger)
		if err != nil {
			return err
		}
		logger.Info("serving", "addr", cfg.Server.Addr, "base_url", cfg.Server.BaseURL, "provider", cfg.Synth.Provider)
		return srv.ListenAndServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address")
	serveCmd.Flags().String("base-url", "", "public URL used in signed audio links")
	serveCmd.Flags().BoolVar(&dryRun, "dry-run", false, "use placeholder audio instead of the speech provider")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_url", serveCmd.Flags().Lookup("base-url"))
}
