package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/3leaps/learnlab/pkg/labclient"
)

// renderMapTable writes m as a two-column table sorted by key. Nested maps
// are flattened with dotted keys.
func renderMapTable(w io.Writer, keyHeader string, m map[string]any) {
	flat := make(map[string]any)
	flattenValues("", m, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{keyHeader, "Value"})
	for _, k := range keys {
		t.AppendRow(table.Row{k, formatValue(flat[k])})
	}
	t.Render()
}

func flattenValues(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenValues(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', 4, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func formatTime(t labclient.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func renderSnapshot(w io.Writer, snap *labclient.RunSnapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendRow(table.Row{"Run", snap.ID})
	t.AppendRow(table.Row{"Status", snap.Status})
	if snap.ModelIdentifier != "" {
		t.AppendRow(table.Row{"Model", snap.ModelIdentifier})
	}
	if snap.TaskID != "" {
		t.AppendRow(table.Row{"Task", snap.TaskID})
	}
	t.AppendRow(table.Row{"Created", formatTime(snap.CreatedAt)})
	t.AppendRow(table.Row{"Started", formatTime(snap.StartedAt)})
	t.AppendRow(table.Row{"Completed", formatTime(snap.CompletedAt)})
	if task := snap.SummaryTask(); task != "" {
		t.AppendRow(table.Row{"Task type", task})
	}
	t.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
