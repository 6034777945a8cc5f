package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively write the manager connection settings",
		RunE: func(_ *cobra.Command, _ []string) error {
			initConsoleLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return config.NewWizard().RunSetupWizard(cfg)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s %s\n", util.AppName, util.Version)
		},
	}
}
