package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/getmockd/imgtrace/pkg/cli/internal/output"
	"github.com/getmockd/imgtrace/pkg/samples"
)

var (
	samplesMin     int
	samplesSort    bool
	samplesSummary bool
)

// SamplesOutput is the JSON result of the samples command.
type SamplesOutput struct {
	Samples []samples.Sample `json:"samples,omitempty"`
	Summary samples.Summary  `json:"summary"`
}

var samplesCmd = &cobra.Command{
	Use:   "samples <file|glob>...",
	Short: "List and summarize collected records",
	Long: `Parse records files and print them with a summary.

Arguments are file paths or glob patterns; ** matches across directories.
A session directory may be given directly and its URLS.txt is read.`,
	Example: `  imgtrace samples records/latest/URLS.txt
  imgtrace samples 'records/**/URLS.txt' --summary --json
  imgtrace samples records/facebook-20260101-120000 --min 30`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return ErrNoPattern
		}

		var all []samples.Sample
		for _, arg := range args {
			s, err := readSamples(arg)
			if err != nil {
				return err
			}
			all = append(all, s...)
		}
		if samplesSort {
			samples.SortByResponseStart(all)
		}
		if samplesMin > 0 {
			if err := samples.Require(all, samplesMin); err != nil {
				return err
			}
		}

		sum := samples.Summarize(all)
		w := cmd.OutOrStdout()
		if jsonOutput {
			out := SamplesOutput{Summary: sum}
			if !samplesSummary {
				out.Samples = all
			}
			return output.JSON(w, out)
		}

		if !samplesSummary {
			tw := output.Table(w)
			fmt.Fprintln(tw, "URL\tSIZE\tRESPONSE START\tREQUEST START\tLATENCY")
			for _, s := range all {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", truncate(s.URL, 80), s.ContentLength,
					formatMillis(s.ResponseStart), formatMillis(s.RequestStart), s.Latency())
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Samples:      %d\n", sum.Count)
		fmt.Fprintf(w, "Total bytes:  %d\n", sum.TotalBytes)
		fmt.Fprintf(w, "Size:         min %d, max %d, mean %.1f\n", sum.MinSize, sum.MaxSize, sum.MeanSize)
		fmt.Fprintf(w, "Latency:      mean %s, max %s\n", sum.MeanLatency, sum.MaxLatency)
		return nil
	},
}

func init() {
	samplesCmd.Flags().IntVar(&samplesMin, "min", 0, "Fail unless at least this many samples are found")
	samplesCmd.Flags().BoolVar(&samplesSort, "sort", true, "Order samples by response start time")
	samplesCmd.Flags().BoolVar(&samplesSummary, "summary", false, "Print only the summary")
	rootCmd.AddCommand(samplesCmd)
}

// readSamples reads a file, a session directory, or a glob pattern.
func readSamples(arg string) ([]samples.Sample, error) {
	if strings.ContainsAny(arg, "*?[") {
		return samples.ReadGlob(arg)
	}
	if isDir(arg) {
		return samples.ReadFile(sessionRecordsPath(arg))
	}
	return samples.ReadFile(arg)
}

func formatMillis(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
