// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command avconnector consumes content records from Kafka and indexes them
// as enriched documents.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	err := newRootCommand().ExecuteContext(context.Background())
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "avconnector",
		Short:         "Index enriched audio/video content records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand(slog.NewJSONHandler(os.Stderr, nil)))
	cmd.AddCommand(newVersionCommand())
	return cmd
}
