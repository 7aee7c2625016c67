package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/logging"
	"github.com/Siddhant-K-code/pairwise/pkg/source"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Store JSONL vectors in a dense dataset",
	Long: `Reads vectors from a JSONL file and stores them as vectors/<label> in a
dataset directory, creating it when absent. The dataset can then be used
as a source with --backend dataset.

Example:
  pairwise import --file vectors.jsonl --dataset vectors.ds --label lsa`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringP("file", "f", "", "path to JSONL file containing vectors (required)")
	importCmd.Flags().StringP("dataset", "d", "", "dataset directory (required)")
	importCmd.Flags().StringP("label", "l", "", "vector label (required)")
	importCmd.Flags().Int("dimensions", 0, "vector length (0 = infer)")
	importCmd.Flags().Int("chunk", 1000, "rows per stored chunk")
	importCmd.Flags().String("codec", "zstd", "chunk compression: zstd, lz4 or none")
	_ = importCmd.MarkFlagRequired("file")
	_ = importCmd.MarkFlagRequired("dataset")
	_ = importCmd.MarkFlagRequired("label")
}

func runImport(cmd *cobra.Command, args []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	dir, _ := cmd.Flags().GetString("dataset")
	label, _ := cmd.Flags().GetString("label")
	dim, _ := cmd.Flags().GetInt("dimensions")
	chunk, _ := cmd.Flags().GetInt("chunk")
	codecName, _ := cmd.Flags().GetString("codec")
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")

	logger, err := logging.New(logging.Config{Level: level, Format: format})
	if err != nil {
		return err
	}
	codec, err := dataset.ParseCodec(codecName)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Loading vectors from %s...\n", filePath)
	start := time.Now()
	src, err := source.OpenJSONL(filePath, dim, logger)
	if err != nil {
		return fmt.Errorf("failed to load vectors: %w", err)
	}
	opts := source.DefaultLoadOptions()
	opts.Logger = logger
	u, err := source.Load(context.Background(), src, opts)
	if err != nil {
		return fmt.Errorf("failed to load vectors: %w", err)
	}

	dopts := dataset.DefaultOptions()
	dopts.Codec = codec
	dopts.Logger = logger
	if err := source.ImportDataset(dir, label, u, dopts, chunk); err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Stored %d keys (%d null, dim %d) as vectors/%s in %s in %v\n",
		len(u.All), len(u.Nulls), u.Dim, label, dir, time.Since(start).Round(time.Millisecond))
	return nil
}
