// Package cli implements the pullload command line client for the frontend
// HTTP surface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if getOutputFormat(rootCmd) == "json" {
			errObj := map[string]any{"error": err.Error()}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
			}
			_ = printJSON(stdout, errObj)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		host   string
		output string
	)
	client := &Client{}

	rootCmd := &cobra.Command{
		Use:           "pullload",
		Short:         "Pull load frontend CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("PULLLOAD_HOST"); v != "" {
					host = v
				}
			}
			if err := validateOutputFormat(output); err != nil {
				return err
			}
			*client = *NewClient(host)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "Frontend URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")

	rootCmd.AddCommand(
		newQueriesCmd(client, stdout),
		newLoadsCmd(client, stdout),
		newSubmitCmd(client, stdout),
		newCancelCmd(client, stdout),
		newPropsCmd(client, stdout),
	)
	return rootCmd
}
