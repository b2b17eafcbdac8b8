package main

import (
	"context"
	"os"

	"github.com/snapflowio/cdcsink"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cdcsink",
		Short:        "Stream Debezium change events from Kafka into CSV and Parquet object storage",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion pipeline until interrupted",
		Long: `Run consumes one topic and writes every create and update event to two
sinks, csv and parquet, each with its own checkpoint. Every flag can also be
set through a CDCSINK_* environment variable, e.g. CDCSINK_BATCH_WINDOW=5s.

The process exits 0 after a clean shutdown on SIGINT or SIGTERM and 1 when
startup fails or any sink fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd.Flags(), os.LookupEnv)
			if err != nil {
				return err
			}

			connector, err := cdcsink.NewConnector(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer connector.Close()

			_, err = connector.Start(cmd.Context())
			return err
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}
