package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// stdout receives every command result. Tests swap it.
var stdout io.Writer = os.Stdout

// Table collects rows and prints them column aligned
type Table struct {
	columns []string
	rows    [][]string
}

func NewTable(columns ...string) *Table {
	return &Table{columns: columns}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render prints the header, a dashed rule under each column and the rows
func (t *Table) Render() {
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	rule := make([]string, len(t.columns))
	for i, c := range t.columns {
		rule[i] = strings.Repeat("-", len(c))
	}
	for _, line := range append([][]string{t.columns, rule}, t.rows...) {
		fmt.Fprintln(tw, strings.Join(line, "\t"))
	}
}

// printOutput encodes data as json or yaml. Table views are built by each
// command, so "table" never reaches here.
func printOutput(data interface{}) error {
	switch format := getOutputFormat(); format {
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case "json", "table":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

// truncate cuts s to n bytes, marking the cut with "..."
func truncate(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n <= 3:
		return s[:n]
	}
	return s[:n-3] + "..."
}

var severityTags = map[string]string{
	"critical": "[!]",
	"high":     "[H]",
	"medium":   "[M]",
	"low":      "[L]",
}

// formatSeverity prefixes a known severity with a short tag
func formatSeverity(severity string) string {
	if tag, ok := severityTags[strings.ToLower(severity)]; ok {
		return tag + " " + strings.ToUpper(severity)
	}
	return severity
}

// formatStatus marks healthy states [+], failed ones [-] and anything
// undecided [*]
func formatStatus(status string) string {
	switch strings.ToLower(status) {
	case "up", "ok", "resolved":
		return "[+] " + status
	case "down", "timeout", "error", "protocol_error":
		return "[-] " + status
	case "unknown", "active", "flapping":
		return "[*] " + status
	}
	return status
}

// formatTime renders an optional timestamp in local time, "-" when unset
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
