package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// printer renders command results in the selected format.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string, w io.Writer) (*printer, error) {
	switch format {
	case outputText, outputJSON, outputYAML:
		return &printer{format: format, w: w}, nil
	case "":
		return &printer{format: outputText, w: w}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (must be text, json, or yaml)", format)
}

// print writes v as JSON or YAML, or calls text for the text format.
func (p *printer) print(v any, text func(w io.Writer) error) error {
	switch p.format {
	case outputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(p.w)
	}
}

// record writes one compact JSON line, or a YAML document, per event.
func (p *printer) record(v any, text func(w io.Writer) error) error {
	switch p.format {
	case outputJSON:
		return json.NewEncoder(p.w).Encode(v)
	case outputYAML:
		if _, err := io.WriteString(p.w, "---\n"); err != nil {
			return err
		}
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = p.w.Write(data)
		return err
	default:
		return text(p.w)
	}
}
