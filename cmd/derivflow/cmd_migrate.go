package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.db.IsEnabled() {
		return fmt.Errorf("database is not enabled; set PG_DSN")
	}
	v, err := a.migrate()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
