package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/imgtrace/pkg/cli/internal/output"
	"github.com/getmockd/imgtrace/pkg/config"
)

// ValidateOutput is the JSON result of the validate command.
type ValidateOutput struct {
	File   string         `json:"file"`
	Valid  bool           `json:"valid"`
	Field  string         `json:"field,omitempty"`
	Error  string         `json:"error,omitempty"`
	Config *config.Config `json:"config,omitempty"`
}

var validateShowResolved bool

var validateCmd = &cobra.Command{
	Use:   "validate <config>",
	Short: "Check a config file without starting the engine",
	Long: `Validate a config file without starting any services.

This command checks:
  - YAML or JSON syntax
  - Unknown fields
  - Value ranges (quota, minimum size, durations)
  - That the filter expression compiles
  - That source and output are compatible`,
	Example: `  imgtrace validate imgtrace.yaml
  imgtrace validate imgtrace.json --show-resolved`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		cfg, err := config.LoadFromFile(path)
		w := cmd.OutOrStdout()

		if jsonOutput {
			out := ValidateOutput{File: path, Valid: err == nil}
			if err != nil {
				out.Error = err.Error()
				var ve *config.ValidationError
				if errors.As(err, &ve) {
					out.Field = ve.Field
				}
			} else if validateShowResolved {
				out.Config = cfg
			}
			if jerr := output.JSON(w, out); jerr != nil {
				return jerr
			}
			return err
		}

		if err != nil {
			fmt.Fprintln(w, "Validation failed:")
			fmt.Fprintf(w, "  - %s\n", err)
			return err
		}
		fmt.Fprintln(w, "Configuration is valid.")
		if validateShowResolved {
			fmt.Fprintln(w, "\nResolved configuration:")
			return output.JSON(w, cfg)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateShowResolved, "show-resolved", false, "Print the configuration with defaults applied")
	rootCmd.AddCommand(validateCmd)
}
