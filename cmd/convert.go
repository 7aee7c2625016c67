package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/pairwise/pkg/sink"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Export a dense similarity matrix to CSV",
	Long: `Writes the upper triangle of sim/<label> from a dense dataset as
left,right,score lines with three decimals. Pairs involving null keys are
written as 0.000.

Example:
  pairwise convert --dataset out.ds --label lsa --output pairs.csv`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringP("dataset", "d", "", "dataset directory (required)")
	convertCmd.Flags().StringP("label", "l", "default", "similarity matrix label")
	convertCmd.Flags().StringP("output", "o", "", "output CSV file (required)")
	_ = convertCmd.MarkFlagRequired("dataset")
	_ = convertCmd.MarkFlagRequired("output")
}

func runConvert(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dataset")
	label, _ := cmd.Flags().GetString("label")
	output, _ := cmd.Flags().GetString("output")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	n, err := sink.ConvertDense(ctx, dir, label, output)
	if err != nil {
		return fmt.Errorf("convert failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %d pairs to %s in %v\n", n, output, time.Since(start).Round(time.Millisecond))
	return nil
}
