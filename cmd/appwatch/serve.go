package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/appwatch"
	"pkt.systems/appwatch/internal/appconfig"
	"pkt.systems/appwatch/internal/appstore"
	"pkt.systems/appwatch/internal/command"
	"pkt.systems/appwatch/internal/monitor"
	"pkt.systems/appwatch/internal/notify"
	"pkt.systems/appwatch/internal/telegram"
	"pkt.systems/appwatch/internal/version"
	"pkt.systems/pslog"
)

type serveOptions struct {
	configPath          string
	envFiles            []string
	disableAuditLogging bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the scheduled update check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts.configPath, opts.envFiles)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "env files to load before reading config")
	cmd.Flags().BoolVar(&opts.disableAuditLogging, "disable-audit-logging", false, "do not log chat command input")
	return cmd
}

// serverConfig maps the loaded configuration onto the compositor.
func serverConfig(cfg appconfig.Config) appwatch.ServerConfig {
	interval := time.Duration(cfg.Monitor.IntervalMinutes) * time.Minute
	return appwatch.ServerConfig{
		DataDir: cfg.DataDir,
		Telegram: telegram.Config{
			Token:       cfg.Telegram.Token,
			APIURL:      cfg.Telegram.APIURL,
			PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSeconds) * time.Second,
		},
		Lookup: appstore.Config{
			LookupURL: cfg.Monitor.LookupURL,
			Timeout:   time.Duration(cfg.Monitor.RequestTimeoutSeconds) * time.Second,
		},
		Notify: notify.Config{
			TestPause: time.Duration(cfg.Notify.TestPauseMillis) * time.Millisecond,
		},
		Monitor: monitor.Config{
			Interval:    interval,
			FirstDelay:  time.Duration(cfg.Monitor.FirstDelaySeconds) * time.Second,
			LookupPause: time.Duration(cfg.Monitor.LookupPauseMillis) * time.Millisecond,
		},
		Command:  command.HandlerConfig{CheckInterval: interval},
		HTTPAddr: cfg.HTTP.Addr,
	}
}

func runServe(ctx context.Context, cfg appconfig.Config, opts *serveOptions) error {
	info := version.Describe()
	logger := pslog.Ctx(ctx)
	logger.Info("appwatch starting", "version", info.Version, "data_dir", cfg.DataDir)

	scfg := serverConfig(cfg)
	scfg.DisableAuditLogging = opts != nil && opts.disableAuditLogging
	options := []appwatch.ServerOption{appwatch.WithBot(), appwatch.WithMonitor()}
	if cfg.HTTP.Addr != "" {
		options = append(options, appwatch.WithHTTP())
	}
	srv, err := appwatch.New(ctx, scfg, options...)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("appwatch running", "interval_minutes", cfg.Monitor.IntervalMinutes, "http", cfg.HTTP.Addr)
	err = srv.Wait()
	logger.Info("appwatch stopped")
	return err
}
