package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// newIDCmd creates the id command group.
func newIDCmd(provider *AppProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Allocate and inspect entry ids",
	}
	cmd.AddCommand(newIDNewCmd(provider))
	cmd.AddCommand(newIDDecomposeCmd(provider))
	return cmd
}

func newIDNewCmd(provider *AppProvider) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Allocate new ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be positive, got %d", count)
			}
			alloc, err := provider.Allocator()
			if err != nil {
				return err
			}
			for range count {
				id, err := alloc.AllocateBlocking(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(provider.Out, id)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of ids to allocate")
	return cmd
}

type decomposed struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	Timestamp int64     `json:"timestamp"`
	MachineID int64     `json:"machine_id"`
	Sequence  int64     `json:"sequence"`
}

func newIDDecomposeCmd(provider *AppProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <id>",
		Short: "Split an id into time, machine id and sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 0 {
				return fmt.Errorf("invalid id %q", args[0])
			}
			alloc, err := provider.Allocator()
			if err != nil {
				return err
			}

			ts, machine, seq := alloc.Decompose(id)
			d := decomposed{
				ID:        id,
				Time:      alloc.Time(id).UTC(),
				Timestamp: ts,
				MachineID: machine,
				Sequence:  seq,
			}
			if provider.JSONOutput {
				return json.NewEncoder(provider.Out).Encode(d)
			}
			fmt.Fprintf(provider.Out, "time:     %s\nmachine:  %d\nsequence: %d\n",
				d.Time.Format(time.RFC3339Nano), d.MachineID, d.Sequence)
			return nil
		},
	}
}
