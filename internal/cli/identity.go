package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopsync/internal/config"
	"github.com/petervdpas/goopsync/internal/storage"
	"github.com/petervdpas/goopsync/internal/util"
)

// NewIdentityCommand creates the identity command group.
func NewIdentityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or forget the stored session identity of a peer",
	}
	cmd.AddCommand(&cobra.Command{
		Use:          "show <peer-dir>",
		Short:        "Print the session the peer will rejoin on start",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentities(args[0], func(ids *storage.IdentityStore) error {
				id, ok, err := ids.Load()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no stored session")
					return nil
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(id)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:          "clear <peer-dir>",
		Short:        "Forget the stored session so the next start stays disconnected",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentities(args[0], func(ids *storage.IdentityStore) error {
				if err := ids.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared")
				return nil
			})
		},
	})
	return cmd
}

func withIdentities(peerDir string, fn func(*storage.IdentityStore) error) error {
	cfgPath := util.ResolvePath(peerDir, config.FileName)
	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		// A peer that never ran has no config yet; use the default layout.
		cfg = config.Default()
	}
	db, err := storage.Open(util.ResolvePath(peerDir, cfg.Paths.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db.Identities())
}
