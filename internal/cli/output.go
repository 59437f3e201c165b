package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// PrintFlags outputs flags in the specified format
func PrintFlags(w io.Writer, flags []store.Flag, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]store.Flag{"features": flags})
	case FormatYAML:
		return printYAML(w, flags)
	case FormatTable:
		return printFlagTable(w, flags)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintFlag outputs a single flag in the specified format
func PrintFlag(w io.Writer, flag *store.Flag, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, flag)
	case FormatYAML:
		return printYAML(w, flag)
	case FormatTable:
		return printFlagTable(w, []store.Flag{*flag})
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintEvaluations outputs evaluation results in the specified format
func PrintEvaluations(w io.Writer, evals []engine.Evaluation, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]engine.Evaluation{"evaluations": evals})
	case FormatYAML:
		return printYAML(w, evals)
	case FormatTable:
		return printEvaluationTable(w, evals)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func printFlagTable(w io.Writer, flags []store.Flag) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Enabled", "Version", "Variations", "Rules", "Tags", "Description", "Updated At")

	for _, flag := range flags {
		enabled := "false"
		if flag.Enabled {
			enabled = "true"
		}
		if flag.Archived {
			enabled += " (archived)"
		}

		err := table.Append(
			flag.ID,
			enabled,
			fmt.Sprintf("%d", flag.Version),
			strings.Join(flag.VariationIDs(), ","),
			fmt.Sprintf("%d", len(flag.Rules)),
			strings.Join(flag.Tags, ","),
			truncate(flag.Description, 40),
			time.Unix(flag.UpdatedAt, 0).UTC().Format("2006-01-02 15:04"),
		)
		if err != nil {
			return err
		}
	}

	return table.Render()
}

func printEvaluationTable(w io.Writer, evals []engine.Evaluation) error {
	table := tablewriter.NewWriter(w)
	table.Header("Feature", "Version", "Variation", "Value", "Reason")

	for _, e := range evals {
		reason := string(e.Reason.Type)
		if e.Reason.RuleID != "" {
			reason += " (" + e.Reason.RuleID + ")"
		}
		err := table.Append(
			e.FeatureID,
			fmt.Sprintf("%d", e.FeatureVersion),
			e.VariationID,
			truncate(e.VariationValue, 30),
			reason,
		)
		if err != nil {
			return err
		}
	}

	return table.Render()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
