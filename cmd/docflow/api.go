package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/server/endpoints"
)

var (
	serverURL  string
	actorID    string
	actorEmail string
)

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func newAPICmd() *cobra.Command {
	registry := api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{}) {
		registry.Register(ep)
	}

	cmd := registry.BuildCommands(getServerURL)

	// Persistent so all subcommands inherit them
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	cmd.PersistentFlags().StringVar(&actorID, "actor", "", "Reviewer id sent with review and workflow calls")
	cmd.PersistentFlags().StringVar(&actorEmail, "actor-email", "", "Reviewer email")

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
		api.SetActor(actorID, actorEmail)
	}
	return cmd
}

func init() {
	rootCmd.AddCommand(newAPICmd())
}
