package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopsync/internal/listen"
	"github.com/petervdpas/goopsync/internal/proto"
)

type codeOptions struct {
	Alphabet string
	Length   int
	Sessions int
	JSON     bool
}

// NewCodeCommand creates the code command.
func NewCodeCommand() *cobra.Command {
	opts := &codeOptions{}

	cmd := &cobra.Command{
		Use:   "code",
		Short: "Generate a session code and show the collision odds",
		Long: `Generate a session code for the given alphabet and length, and print
the probability that two of --sessions concurrent sessions share a code.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCode(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Alphabet, "alphabet", proto.DefaultCodeAlphabet, "code alphabet")
	cmd.Flags().IntVar(&opts.Length, "length", proto.DefaultCodeLength, "code length")
	cmd.Flags().IntVar(&opts.Sessions, "sessions", 100, "concurrent sessions for the collision estimate")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON")

	return cmd
}

func runCode(cmd *cobra.Command, opts *codeOptions) error {
	if err := listen.ValidateCodeSpec(opts.Alphabet, opts.Length); err != nil {
		return err
	}
	if opts.Sessions < 0 {
		return fmt.Errorf("--sessions must be >= 0")
	}

	code, err := listen.GenerateCode(opts.Alphabet, opts.Length)
	if err != nil {
		return err
	}
	space := listen.CodeSpace(opts.Alphabet, opts.Length)
	p := listen.CollisionProbability(opts.Alphabet, opts.Length, opts.Sessions)

	out := cmd.OutOrStdout()
	if opts.JSON {
		return json.NewEncoder(out).Encode(map[string]any{
			"code":                  code,
			"code_space":            space,
			"sessions":              opts.Sessions,
			"collision_probability": p,
		})
	}
	fmt.Fprintln(out, code)
	fmt.Fprintf(out, "code space %.0f, collision probability with %d sessions: %.4g\n", space, opts.Sessions, p)
	return nil
}
