// Command lobkit administers a lobkit data store: it applies module
// migrations, manages users and renders reports.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var exitFunc = os.Exit

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		exitFunc(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configDir string
	json      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "lobkit",
		Short:         "Administer a lobkit data store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configDir, "config", ".", "Directory containing lobkit.yaml")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Output in JSON format")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newUsersCmd(opts))
	root.AddCommand(newReportsCmd(opts))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lobkit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "lobkit %s\n", version)
			return err
		},
	}
}

// run opens the application for the duration of fn.
func run(opts *rootOptions, fn func(*app) error) error {
	a, err := openApp(opts.configDir)
	if err != nil {
		return err
	}
	err = fn(a)
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}
