package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopsync/internal/app"
	"github.com/petervdpas/goopsync/internal/config"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <peer-dir>",
		Short: "Run one peer from its directory",
		Long: `Run one peer. The directory holds the peer's config (created with
defaults on first run) and its database. The previous session, if any, is
rejoined automatically.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, cmd, args[0])
		},
	}
	return cmd
}

func runPeer(ctx context.Context, cmd *cobra.Command, dir string) error {
	peerDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(peerDir, 0o755); err != nil {
		return err
	}

	cfgPath := app.ConfigPath(peerDir)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}
	if created {
		fmt.Fprintf(cmd.ErrOrStderr(), "created default config %s\n", cfgPath)
	}

	return app.Run(ctx, app.Options{PeerDir: peerDir, CfgPath: cfgPath, Cfg: cfg})
}
