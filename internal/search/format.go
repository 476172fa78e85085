package search

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OutputFormat specifies the output format for search results.
type OutputFormat string

const (
	FormatDefault OutputFormat = "default"
	FormatJSON    OutputFormat = "json"
	FormatCompact OutputFormat = "compact"
)

// ParseFormat maps a flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, bool) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatDefault, FormatJSON, FormatCompact:
		return f, true
	case "":
		return FormatDefault, true
	default:
		return FormatDefault, false
	}
}

// FormatResults formats search results according to the specified format.
func FormatResults(results []Result, format OutputFormat) string {
	switch format {
	case FormatJSON:
		return formatJSON(results)
	case FormatCompact:
		return formatCompact(results)
	default:
		return formatDefault(results)
	}
}

// formatDefault produces human-readable output.
func formatDefault(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder

	for i, r := range results {
		fmt.Fprintf(&sb, "=== Result %d (score: %s) ===\n", i+1, r.ScoreText)
		fmt.Fprintf(&sb, "Command: %s", r.CommandName)
		if r.Version != "" {
			fmt.Fprintf(&sb, " | Version: %s", r.Version)
		}
		fmt.Fprintf(&sb, " | Type: %s", r.Type)
		if r.IsDeprecated {
			sb.WriteString(" | deprecated")
		}
		if r.Boosted {
			fmt.Fprintf(&sb, " | boost x%.2f", r.BoostFactor)
		}
		sb.WriteString("\n")

		if r.Title != "" {
			fmt.Fprintf(&sb, "Example: %s\n", r.Title)
		}
		if r.Description != "" {
			fmt.Fprintf(&sb, "\n  %s\n", r.Description)
		}

		body := r.Syntax
		if r.Type == "example" {
			body = r.Code
		}
		if body != "" {
			sb.WriteString("\n")
			for _, line := range strings.Split(body, "\n") {
				sb.WriteString("  ")
				sb.WriteString(line)
				sb.WriteString("\n")
			}
		}
		if len(r.Parameters) > 0 {
			fmt.Fprintf(&sb, "\n  Parameters: %s\n", strings.Join(r.Parameters, ", "))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// formatJSON produces JSON output.
func formatJSON(results []Result) string {
	if results == nil {
		results = []Result{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// formatCompact produces one tab-separated line per result.
func formatCompact(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder

	for _, r := range results {
		// Format: id score type name [title]
		fmt.Fprintf(&sb, "%s\t%.2f\t%s\t%s", r.ID, r.Score, r.Type, r.CommandName)
		if r.Title != "" {
			fmt.Fprintf(&sb, "\t%s", r.Title)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
