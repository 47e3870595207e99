package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/smartrics/iotics-sparql-http/internal/build"
)

// NewVersionCommand returns the command to get the sparqlhttp version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the sparqlhttp version",
		Long:  "Return the sparqlhttp version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("sparqlhttp Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
