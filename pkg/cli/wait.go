package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/imgtrace/pkg/cli/internal/output"
	"github.com/getmockd/imgtrace/pkg/collector"
)

var (
	waitTimeout  time.Duration
	waitInterval time.Duration
	waitMarker   string
)

// WaitOutput is the JSON result of the wait command.
type WaitOutput struct {
	Marker  string `json:"marker"`
	Ready   bool   `json:"ready"`
	Elapsed string `json:"elapsed"`
}

var waitCmd = &cobra.Command{
	Use:   "wait <session-dir>",
	Short: "Wait until a session's quota has been reached",
	Long: `Block until the ready marker appears in a session directory, then exit 0.
Exits non-zero if --timeout elapses first. The argument may also be
"<records-dir>/latest".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		marker := filepath.Join(args[0], waitMarker)

		ctx := cmd.Context()
		if waitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, waitTimeout)
			defer cancel()
		}

		start := time.Now()
		err := collector.WaitReady(ctx, marker, waitInterval)
		out := WaitOutput{Marker: marker, Ready: err == nil, Elapsed: time.Since(start).Round(time.Millisecond).String()}

		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %s", ErrWaitTimedOut, waitTimeout, marker)
		}
		if jsonOutput {
			if jerr := output.JSON(cmd.OutOrStdout(), out); jerr != nil {
				return jerr
			}
			return err
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ready after %s (%s)\n", out.Elapsed, marker)
		return nil
	},
}

func init() {
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "Give up after this long (0 waits forever)")
	waitCmd.Flags().DurationVar(&waitInterval, "interval", collector.DefaultPollInterval, "Polling interval")
	waitCmd.Flags().StringVar(&waitMarker, "marker", collector.DefaultReadyMarker, "Ready marker file name")
	rootCmd.AddCommand(waitCmd)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// sessionRecordsPath returns the records file inside a session directory,
// preferring the name stored in the session metadata.
func sessionRecordsPath(dir string) string {
	if meta, err := collector.ReadMeta(dir); err == nil && meta.RecordsFile != "" {
		return filepath.Join(dir, meta.RecordsFile)
	}
	return filepath.Join(dir, collector.DefaultRecordsFile)
}
