// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with SPARQLHTTP, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SPARQLHTTP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/sparqlhttp", "$HOME/.sparqlhttp", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "sparqlhttp",
		Short: "A SPARQL 1.1 protocol endpoint for IOTICS spaces",
		Long: `A SPARQL 1.1 protocol endpoint for IOTICS spaces.

sparqlhttp accepts SPARQL queries over HTTP, authorizes them with IOTICS
identities and streams the results back from the space's MetaAPI.`,
	}
}
