package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tokenr-co/tokenr-go/internal/logging"
	"github.com/tokenr-co/tokenr-go/pkg/tokenr"
)

type rootOptions struct {
	token string
	url   string
	debug bool
}

// clientOptions turns persistent flags into client options. Only flags the
// user actually set override the environment.
func (o *rootOptions) clientOptions(cmd *cobra.Command) []tokenr.Option {
	var opts []tokenr.Option
	flags := cmd.Flags()
	if flags.Changed("token") {
		opts = append(opts, tokenr.WithToken(o.token))
	}
	if flags.Changed("url") {
		opts = append(opts, tokenr.WithURL(o.url))
	}
	if o.debug {
		opts = append(opts, tokenr.WithDebug(true), tokenr.WithLogOutput(cmd.ErrOrStderr()))
	}
	return opts
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "tokenr",
		Short: "Report LLM token usage to Tokenr",
		Long: `A command line client for the Tokenr usage tracking API.

Settings come from TOKENR_* environment variables (a .env file in the
working directory is honoured) and can be overridden with flags.`,
		Version:       tokenr.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !opts.debug {
				return
			}
			logger := logging.New("Tokenr", cmd.ErrOrStderr(), true)
			fullCmd := "tokenr"
			if cmd.Name() != "tokenr" {
				fullCmd += " " + cmd.Name()
			}
			cmd.Flags().Visit(func(f *pflag.Flag) {
				switch f.Name {
				case "debug":
					return
				case "token":
					fullCmd += " --token=***"
				default:
					if f.Value.Type() == "bool" {
						fullCmd += " --" + f.Name
					} else {
						fullCmd += " --" + f.Name + "=" + f.Value.String()
					}
				}
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			logger.Debug("command", "line", fullCmd)
		},
	}

	root.PersistentFlags().StringVar(&opts.token, "token", "", "API token (default $TOKENR_TOKEN)")
	root.PersistentFlags().StringVar(&opts.url, "url", "", "tracking endpoint (default $TOKENR_URL or the hosted API)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log delivery details to stderr")

	root.AddCommand(newTrackCommand(opts))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the SDK version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tokenr-go version %s\n", tokenr.Version)
		},
	}
}
