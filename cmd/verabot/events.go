package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/verabot/internal/eventlog"
)

func newEventsCmd(v *viper.Viper) *cobra.Command {
	var (
		dbPath string
		id     int64
		opts   eventlog.Options
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event tree of the latest (or a given) bot run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = v.GetString("db_path")
			}
			database, err := eventlog.OpenReadOnly(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			root, err := eventlog.Load(cmd.Context(), database, id)
			if err != nil {
				return fmt.Errorf("load events: %w", err)
			}
			if asJSON {
				return eventlog.WriteJSON(cmd.OutOrStdout(), root, opts)
			}
			return eventlog.WriteTree(cmd.OutOrStdout(), root, opts)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (defaults to DB_PATH)")
	cmd.Flags().Int64Var(&id, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().IntVarP(&opts.MaxDepth, "level", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&opts.NoPayload, "no-payload", false, "hide payload details")
	return cmd
}
