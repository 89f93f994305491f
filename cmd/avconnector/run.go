// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"log/slog"

	"github.com/z5labs/avconnector/app"
	"github.com/z5labs/avconnector/config"
	"github.com/z5labs/avconnector/internal/connector"

	"github.com/spf13/cobra"
)

func newRunCommand(errHandler slog.Handler) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume and index records until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				app.LogError(errHandler, err)
				return err
			}

			err = app.Run(cmd.Context(), app.WithHooks(connector.Init(cfg)))
			app.LogError(errHandler, err)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file")
	return cmd
}
