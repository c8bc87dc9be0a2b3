package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by -o
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

type printer struct {
	out    io.Writer
	format string
}

// print renders v in the selected format. text is used for the default
// human-readable form.
func (p printer) print(v interface{}, text func(w *tabwriter.Writer)) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		// round-trip through JSON so yaml keys follow the API field names
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", p.format)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
