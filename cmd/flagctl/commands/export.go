package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export flags and segments to a file",
	Long: `Export the active snapshot of the specified environment as a flag file.
The file can be served directly with STORE_TYPE=file.

Examples:
  flagctl export --env prod --output flags.yaml
  flagctl export --env prod --format json > backup.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, effectiveEnv, err := newClient()
		if err != nil {
			return err
		}

		snap, err := c.Snapshot(cmd.Context(), effectiveEnv)
		if err != nil {
			return fmt.Errorf("failed to fetch snapshot: %w", err)
		}

		doc := store.FileDocument{Environments: map[string]store.FileEnvironment{
			effectiveEnv: {
				Flags:        snap.Flags,
				Segments:     snap.Segments,
				SegmentUsers: snap.SegmentUsers,
			},
		}}

		// Determine output destination
		var output io.Writer = cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			output = f
		}

		switch format {
		case "json":
			encoder := json.NewEncoder(output)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(doc); err != nil {
				return fmt.Errorf("failed to encode JSON: %w", err)
			}
		case "yaml", "table":
			// Default to YAML for export
			encoder := yaml.NewEncoder(output)
			defer encoder.Close()
			encoder.SetIndent(2)
			if err := encoder.Encode(doc); err != nil {
				return fmt.Errorf("failed to encode YAML: %w", err)
			}
		default:
			return fmt.Errorf("unsupported export format: %s", format)
		}

		if exportOutput != "" && exportOutput != "-" && !quiet {
			fmt.Fprintf(cmd.ErrOrStderr(), "Successfully exported %d flag(s) and %d segment(s) to %s\n",
				len(snap.Flags), len(snap.Segments), exportOutput)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}
