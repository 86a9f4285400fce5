package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// printer renders command results as an aligned table, JSON or YAML.
type printer struct {
	format string
}

func newPrinter(format string) (printer, error) {
	switch f := strings.ToLower(format); f {
	case "", "table":
		return printer{format: "table"}, nil
	case "json", "yaml":
		return printer{format: f}, nil
	default:
		return printer{}, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// print writes v in the structured formats and calls table for the default one.
func (p printer) print(out io.Writer, v any, table func(w io.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
