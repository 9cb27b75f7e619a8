package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/appwatch"
	"pkt.systems/appwatch/internal/command"
	"pkt.systems/appwatch/internal/markdown"
	"pkt.systems/appwatch/internal/monitor"
	"pkt.systems/appwatch/internal/telegram"
	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

func newCheckCmd() *cobra.Command {
	var cfgPath string
	var envFiles []string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one update check pass and exit",
		Long:  "Run one update check pass. Version changes are announced on Telegram when a bot token is configured; otherwise they are only printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd, cfgPath, envFiles)
			if err != nil {
				return err
			}
			scfg := serverConfig(cfg)
			svc, err := appwatch.NewServices(ctx, scfg)
			if err != nil {
				return err
			}
			var announcer monitor.Announcer = logAnnouncer{}
			if !quiet {
				tgCfg := scfg.Telegram
				tgCfg.Metrics = svc.Metrics
				bot, err := telegram.New(ctx, tgCfg, nil)
				switch {
				case errors.Is(err, schema.ErrMissingToken):
					pslog.Ctx(ctx).Warn("telegram token not set; changes are printed only")
				case err != nil:
					return err
				default:
					announcer = bot
				}
			}
			mcfg := scfg.Monitor
			mcfg.FirstDelay = 0
			mcfg.Metrics = svc.Metrics
			checker := monitor.New(svc.Store, svc.Lookup, announcer, svc.Notifier, mcfg)
			changes, err := checker.CheckOnce(ctx)
			if err != nil {
				return err
			}
			return printChanges(cmd.OutOrStdout(), changes)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "env files to load before reading config")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not announce changes on Telegram")
	return cmd
}

// logAnnouncer records announcements in the log instead of sending them.
type logAnnouncer struct{}

func (logAnnouncer) Announce(ctx context.Context, userID schema.UserID, msg command.Message) error {
	pslog.Ctx(ctx).Info("update announcement skipped", "user", userID, "text", plainText(msg))
	return nil
}

func printChanges(w io.Writer, changes []schema.VersionChange) error {
	if len(changes) == 0 {
		_, err := fmt.Fprintln(w, "No version changes.")
		return err
	}
	for _, change := range changes {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s -> %s\n", change.UserID, change.App.Name, change.OldVersion, change.NewVersion); err != nil {
			return err
		}
	}
	return nil
}

func plainText(msg command.Message) string {
	if msg.Markdown {
		return markdown.Plain(msg.Text)
	}
	return msg.Text
}
