package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// render writes data as JSON or YAML, or calls table for the default format
func (o *options) render(w io.Writer, data any, table func(io.Writer)) error {
	switch o.output {
	case outputJSON:
		return outputAsJSON(w, data)
	case outputYAML:
		return outputAsYAML(w, data)
	default:
		table(w)
		return nil
	}
}

// outputAsJSON outputs data as formatted JSON
func outputAsJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// outputAsYAML goes through JSON first so the json tags decide field names
func outputAsYAML(w io.Writer, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-18s %s\n", key+":", value)
}

// formatBool returns a colored boolean string
func formatBool(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint("Yes")
	}
	return color.New(color.FgRed).Sprint("No")
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

// truncate shortens s to n runes with a trailing ellipsis
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
