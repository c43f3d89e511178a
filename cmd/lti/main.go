// Package main is the entry point for the LTI registration CLI.
package main

import (
	"os"

	"github.com/Cvmcosta/ltijs-sub000/cmd/lti/app"
	"github.com/Cvmcosta/ltijs-sub000/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
