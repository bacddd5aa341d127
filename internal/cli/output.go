package cli

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/Zereker/ntr"
)

// pidResult is the output of the pid command.
type pidResult struct {
	TitleID string `json:"title_id" yaml:"title_id"`
	PID     uint32 `json:"pid" yaml:"pid"`
}

// memoryResult is the output of the read command.
type memoryResult struct {
	PID     uint32 `json:"pid" yaml:"pid"`
	Address string `json:"address" yaml:"address"`
	Hex     string `json:"hex" yaml:"hex"`
	data    []byte
}

// Formatter renders command results.
type Formatter interface {
	Format(data any) (string, error)
}

// NewFormatter returns a Formatter for the given format string.
// Supported formats: "text" (default), "json", "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{}
	case "yaml":
		return &YAMLFormatter{}
	default:
		return &TextFormatter{}
	}
}

// TextFormatter prints process tables and hex dumps.
type TextFormatter struct{}

func (f *TextFormatter) Format(data any) (string, error) {
	switch v := data.(type) {
	case []ntr.Process:
		if len(v) == 0 {
			return "No processes found.\n", nil
		}
		var buf bytes.Buffer
		w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PID\tNAME\tTITLE ID")
		for _, p := range v {
			fmt.Fprintf(w, "0x%08x\t%s\t%s\n", p.PID, p.Name, ntr.FormatTitleID(p.TitleID))
		}
		w.Flush()
		return buf.String(), nil
	case pidResult:
		return fmt.Sprintf("0x%08x\n", v.PID), nil
	case memoryResult:
		return hex.Dump(v.data), nil
	default:
		return fmt.Sprintln(v), nil
	}
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

// YAMLFormatter formats data as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
