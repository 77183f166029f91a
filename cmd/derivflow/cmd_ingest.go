package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, err := a.coordinator()
	if err != nil {
		return err
	}
	report, err := coord.Run(cmd.Context())
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintln(cmd.OutOrStdout(), report.Written)
	return nil
}
