package cli

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/ntr"
)

// parseUint32 accepts decimal or 0x-prefixed hex.
func parseUint32(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", name, s)
	}
	return uint32(v), nil
}

// parseHexBytes accepts "deadbeef", "0xdeadbeef" or "de ad be ef".
func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.Join(strings.Fields(s), "")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hex data")
	}
	if len(data) == 0 {
		return nil, errors.New("no data to write")
	}
	return data, nil
}

func newPsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List processes running on the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			procs, err := conn.ListProcesses(ctx)
			if err != nil {
				return err
			}
			return a.print(cmd, procs)
		},
	}
}

func newPidCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pid <title-id>",
		Short: "Resolve the process id of a title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			titleID, err := ntr.ParseTitleID(args[0])
			if err != nil {
				return errors.Errorf("invalid title id %q", args[0])
			}

			ctx := cmd.Context()
			conn, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			pid, found, err := conn.GetPID(ctx, titleID)
			if err != nil {
				return err
			}
			if !found {
				return errors.Errorf("no process with title id %s", ntr.FormatTitleID(titleID))
			}
			return a.print(cmd, pidResult{TitleID: ntr.FormatTitleID(titleID), PID: pid})
		},
	}
}

func newReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <pid> <address> <size>",
		Short: "Read process memory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parseUint32("pid", args[0])
			if err != nil {
				return err
			}
			addr, err := parseUint32("address", args[1])
			if err != nil {
				return err
			}
			size, err := parseUint32("size", args[2])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conn, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			data, err := conn.MemRead(ctx, addr, size, pid)
			if err != nil {
				return err
			}
			return a.print(cmd, memoryResult{
				PID:     pid,
				Address: fmt.Sprintf("0x%08x", addr),
				Hex:     hex.EncodeToString(data),
				data:    data,
			})
		},
	}
}

func newWriteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "write <pid> <address> <hex-bytes>",
		Short: "Write bytes into process memory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parseUint32("pid", args[0])
			if err != nil {
				return err
			}
			addr, err := parseUint32("address", args[1])
			if err != nil {
				return err
			}
			data, err := parseHexBytes(args[2])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conn, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			n, err := conn.MemWrite(ctx, addr, data, pid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at 0x%08x\n", n, addr)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "watch <pid> <address>",
		Short: "Poll a 32-bit value until it reaches zero",
		Long: `Watch reads the little-endian u32 at address every interval and prints it.
It stops when the value reaches zero, after --count reads, or on interrupt.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parseUint32("pid", args[0])
			if err != nil {
				return err
			}
			addr, err := parseUint32("address", args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conn, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			out := cmd.OutOrStdout()
			for n := 1; ; n++ {
				v, err := conn.ReadUint32(ctx, addr, pid)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "0x%08x: %d\n", addr, v)
				if v == 0 {
					fmt.Fprintln(out, "value reached zero")
					return nil
				}
				if count > 0 && n >= count {
					return nil
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "time between reads")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many reads (0 means no limit)")
	return cmd
}

func newReloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the debugger to reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Reload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reload requested")
			return nil
		},
	}
}
