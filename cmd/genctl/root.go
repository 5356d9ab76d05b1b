package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

func newRootCommand() *cobra.Command {
	var apiFlag string
	var userFlag string

	ctx := &commandContext{apiURL: &apiFlag, userID: &userFlag}

	rootCmd := &cobra.Command{
		Use:           "genctl",
		Short:         "Submit and manage image generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", envOr("GENFLOW_API_URL", defaultAPIURL), "Base URL of the genflow API")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", os.Getenv("GENFLOW_USER_ID"), "User id sent for rate limiting")

	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newGetCommand(ctx))
	rootCmd.AddCommand(newRetryCommand(ctx))
	rootCmd.AddCommand(newRunAgainCommand(ctx))
	rootCmd.AddCommand(newRemoveCommand(ctx))
	rootCmd.AddCommand(newClearCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))

	return rootCmd
}

type commandContext struct {
	apiURL *string
	userID *string
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(strings.TrimSpace(*c.apiURL), strings.TrimSpace(*c.userID))
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
