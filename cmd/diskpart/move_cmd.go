package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/partop"
	"github.com/partitool/diskpart/internal/progress"
	"github.com/partitool/diskpart/internal/progressui"
	"github.com/partitool/diskpart/internal/slicemodel"
)

// Move command flags
var (
	moveIndex    int    = -1 // slice index to move
	moveStartCyl uint32      // destination starting cylinder
)

// createMoveCommand creates the move subcommand
func createMoveCommand() *cobra.Command {
	moveCmd := &cobra.Command{
		Use:   "move [flags] DISK_IMAGE",
		Short: "move a slice into adjacent free space",
		Long: `Move relocates a slice's payload to a new starting cylinder
		within the free space surrounding it, then writes the table
		immediately. The copy direction is chosen so an overlapping
		source and destination never lose data.`,
		Args: cobra.ExactArgs(1),
		RunE: executeMove,
	}

	moveCmd.Flags().IntVar(&moveIndex, "slice", -1,
		"Slice index to move")
	moveCmd.Flags().Uint32Var(&moveStartCyl, "to", 0,
		"Destination starting cylinder")

	return moveCmd
}

// watchProgress renders prog until done() is called, unless -T text
// mode suppressed live rendering.
func watchProgress(prog *progress.Progress, description string) (done func()) {
	if textMode {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		progressui.Watch(ctx, os.Stderr, prog, description)
		close(finished)
	}()
	return func() {
		cancel()
		<-finished
	}
}

func executeMove(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.Disk.Close()

	prog := progress.New(0)
	done := watchProgress(prog, "move")
	defer done()

	return partop.Move(context.Background(), s.Table, s.Disk, moveIndex, moveStartCyl, prog, func() error {
		return s.Write(func([]slicemodel.Discrepancy) bool { return fixCHS })
	})
}
