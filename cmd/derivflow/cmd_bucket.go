package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sawpanic/derivflow/internal/stats"
)

func runBucket(cmd *cobra.Command, args []string) error {
	values := make([]float64, len(args))
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("value %d: %q is not a number", i+1, arg)
		}
		values[i] = v
	}
	thresholds, _ := cmd.Flags().GetFloat64Slice("thresholds")
	labels, _ := cmd.Flags().GetStringSlice("labels")

	out, err := stats.SigmaBucketWithScores(values, stats.Options{Thresholds: thresholds, Labels: labels})
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VALUE\tZ\tPCTL\tBUCKET")
	for _, bv := range out {
		fmt.Fprintf(tw, "%g\t%.3f\t%.1f\t%s\n", bv.Value, bv.ZScore, bv.Percentile, bv.Bucket)
	}
	return tw.Flush()
}
