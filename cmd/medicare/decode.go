package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/medicare/internal/sse"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode a captured chat-completions event stream",
	Long: "Runs a captured event-stream body (a file, or stdin when omitted or \"-\") through the " +
		"stream decoder, printing deltas as they apply and the final message.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.ReadCloser = io.NopCloser(cmd.InOrStdin())
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open stream: %w", err)
			}
			in = f
		}

		readSize, _ := cmd.Flags().GetInt("read-size")
		quiet, _ := cmd.Flags().GetBool("quiet")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runDecode(ctx, in, cmd.OutOrStdout(), readSize, quiet)
	},
}

func init() {
	decodeCmd.Flags().Int("read-size", 0, "bytes per read (0 uses the decoder default)")
	decodeCmd.Flags().Bool("quiet", false, "print only the final message")
}

func runDecode(ctx context.Context, in io.ReadCloser, out io.Writer, readSize int, quiet bool) error {
	opts := []sse.Option{sse.WithReadSize(readSize)}
	if !quiet {
		opts = append(opts, sse.WithOnText(func(_, delta string) {
			fmt.Fprint(out, delta)
		}))
	}

	res, err := sse.NewDriver(opts...).Run(ctx, in)
	if !quiet {
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, res.Text)
	}
	slog.Info("stream decoded",
		"state", res.State.String(),
		"sentinel", res.Sentinel,
		"deltas", res.Deltas,
		"malformed", res.Malformed,
		"discarded_bytes", res.DiscardedBytes,
		"chars", len(res.Text),
	)
	if err != nil {
		return fmt.Errorf("decode stream: %w", err)
	}
	return nil
}
