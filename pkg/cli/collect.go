package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getmockd/imgtrace/pkg/cli/internal/output"
	"github.com/getmockd/imgtrace/pkg/collector"
	"github.com/getmockd/imgtrace/pkg/config"
	"github.com/getmockd/imgtrace/pkg/nativemsg"
)

var (
	collectConfigFile  string
	collectRecordsDir  string
	collectSession     string
	collectRecordsFile string
	collectReadyMarker string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Native messaging host that stores records in a session",
	Long: `Read native messages from stdin and store them in a new session directory.

Each message is a JSON string. The ready signal "*READY*\n" creates the
ready marker file; any other string is appended to the records file and
synced to disk. This is the consumer side of 'imgtrace serve --output native'
or of a browser extension that performs correlation itself.

When launched by a browser as a native messaging host, the extra
arguments the browser passes are ignored.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, collectConfigFile, applyCollectFlags)
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session, err := collector.Create(cfg.SessionOptions())
		if err != nil {
			return err
		}
		logger.Info("session created", "dir", session.Dir(), "id", session.Meta().ID)

		runErr := collector.NewHost(session, logger).Run(ctx, nativemsg.NewReader(cmd.InOrStdin()))
		if err := session.Close(); err != nil {
			output.Warn(cmd.ErrOrStderr(), "failed to close session: %v", err)
		}
		if runErr != nil {
			return runErr
		}

		// stdout belongs to the native messaging peer.
		meta := session.Meta()
		if jsonOutput {
			return output.JSON(cmd.ErrOrStderr(), meta)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Stored %d records in %s (ready: %t)\n", meta.RecordCount, session.Dir(), meta.Ready)
		return nil
	},
}

func init() {
	f := collectCmd.Flags()
	f.StringVarP(&collectConfigFile, "config", "c", "", "Config file (.yaml, .yml or .json)")
	f.StringVar(&collectRecordsDir, "records-dir", "", "Base directory for sessions")
	f.StringVar(&collectSession, "session", "", "Session name")
	f.StringVar(&collectRecordsFile, "records-file", "", "Records file name inside the session")
	f.StringVar(&collectReadyMarker, "ready-marker", "", "Ready marker file name inside the session")
	rootCmd.AddCommand(collectCmd)
}

func applyCollectFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("records-dir") {
		cfg.RecordsDir = collectRecordsDir
	}
	if f.Changed("session") {
		cfg.Session = collectSession
	}
	if f.Changed("records-file") {
		cfg.RecordsFile = collectRecordsFile
	}
	if f.Changed("ready-marker") {
		cfg.ReadyMarker = collectReadyMarker
	}
	// The host always writes a session, whatever the engine output is.
	cfg.Output = config.OutputSession
}
