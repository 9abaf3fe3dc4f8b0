package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../internal/cli.Version=x.y.z".
var Version = "dev"

// NewRootCommand creates the root command for the goopsync CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "goopsync",
		Short:   "goopsync - shared playback sessions over pub/sub",
		Long:    "Host or join a listening session whose current item, position and queue stay in step across peers.",
		Version: Version,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewCodeCommand())
	cmd.AddCommand(NewIdentityCommand())

	return cmd
}
