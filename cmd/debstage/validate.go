package main

import (
	"github.com/spf13/cobra"

	"github.com/debstage/debstage/internal/config"
	"github.com/debstage/debstage/internal/logger"
)

// createValidateCommand creates the validate subcommand
func createValidateCommand() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [flags] REQUEST_FILE",
		Short: "Validate a package request file",
		Long: `Validate a package request file against the schema without resolving or
downloading anything. This allows checking for errors in a request before
committing to a full install.`,
		Args: cobra.ExactArgs(1),
		RunE: executeValidate,
	}

	return validateCmd
}

// executeValidate handles the validate command logic
func executeValidate(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	requestFile := args[0]

	log.Infof("validating request file: %s", requestFile)

	request, err := config.LoadRequest(requestFile)
	if err != nil {
		return err
	}
	if _, err := request.ResolverRequests(); err != nil {
		return err
	}

	log.Infof("request file is valid: %d packages, %d sources", len(request.Packages), len(request.Sources))
	for _, pkg := range request.Packages {
		if pkg.Version != "" {
			log.Infof("  - %s (%s)", pkg.Name, pkg.Version)
		} else {
			log.Infof("  - %s", pkg.Name)
		}
	}
	return nil
}
