package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/pairwise/pkg/distributed"
	"github.com/Siddhant-K-code/pairwise/pkg/logging"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one distributed rank (started by pairwise run)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().String("coordinator", "", "coordinator address (required)")
	workerCmd.Flags().Int("rank", -1, "rank of this process (required)")
	workerCmd.Flags().String("token", "", "session token (required)")
	workerCmd.Flags().Int("threads", 0, "kernel workers in this rank (0 = NumCPU)")
	workerCmd.Flags().Int("dispatch-chunk", 0, "work items handed to a kernel worker at once")
	_ = workerCmd.MarkFlagRequired("coordinator")
	_ = workerCmd.MarkFlagRequired("rank")
	_ = workerCmd.MarkFlagRequired("token")
}

func runWorker(cmd *cobra.Command, args []string) error {
	coordinator, _ := cmd.Flags().GetString("coordinator")
	rank, _ := cmd.Flags().GetInt("rank")
	token, _ := cmd.Flags().GetString("token")
	threads, _ := cmd.Flags().GetInt("threads")
	dispatch, _ := cmd.Flags().GetInt("dispatch-chunk")
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")

	logger, err := logging.New(logging.Config{Level: level, Format: format})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The coordinator owns the run; an interrupt only stops this rank.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err = distributed.RunWorker(ctx, distributed.WorkerConfig{
		Coordinator:   coordinator,
		Rank:          rank,
		Token:         token,
		Threads:       threads,
		DispatchChunk: dispatch,
		Logger:        logger,
	})
	if errors.Is(err, distributed.ErrAborted) {
		return fmt.Errorf("rank %d: run aborted by coordinator", rank)
	}
	return err
}
