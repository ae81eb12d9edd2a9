package accumulate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"
)

// Preview is a tabular sample of a dataset.
type Preview struct {
	Headers []string   `mapstructure:"headers" json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Issue is one data-quality finding.
type Issue struct {
	Severity string `mapstructure:"severity" json:"severity"`
	Message  string `mapstructure:"message" json:"message"`
}

// BasicInfo is the basic_info analysis section.
type BasicInfo struct {
	Shape       []int             `mapstructure:"shape" json:"shape"`
	Columns     []string          `mapstructure:"columns" json:"columns"`
	DataTypes   map[string]string `mapstructure:"data_types" json:"data_types"`
	MemoryUsage string            `mapstructure:"memory_usage" json:"memory_usage"`
}

// DataQuality is the data_quality analysis section.
type DataQuality struct {
	MissingValues     map[string]int     `mapstructure:"missing_values" json:"missing_values"`
	MissingPercentage map[string]float64 `mapstructure:"missing_percentage" json:"missing_percentage"`
	DuplicateRows     int                `mapstructure:"duplicate_rows" json:"duplicate_rows"`
}

// AnalysisView is the display form of a run's analysis sections. Sections
// that are absent or malformed stay zero-valued.
type AnalysisView struct {
	Available         bool               `json:"available"`
	BasicInfo         *BasicInfo         `json:"basic_info,omitempty"`
	DataQuality       *DataQuality       `json:"data_quality,omitempty"`
	Preview           *Preview           `json:"preview,omitempty"`
	Issues            []Issue            `json:"issues,omitempty"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

// CleaningSummary is the summary block of a cleaning report.
type CleaningSummary struct {
	OriginalShape      []int   `mapstructure:"original_shape" json:"original_shape"`
	CleanedShape       []int   `mapstructure:"cleaned_shape" json:"cleaned_shape"`
	RowsRemoved        int     `mapstructure:"rows_removed" json:"rows_removed"`
	ColumnsRemoved     int     `mapstructure:"columns_removed" json:"columns_removed"`
	DataLossPercentage float64 `mapstructure:"data_loss_percentage" json:"data_loss_percentage"`
	CleaningSeconds    float64 `mapstructure:"cleaning_time_seconds" json:"cleaning_time_seconds"`
	Error              string  `mapstructure:"error" json:"error,omitempty"`
}

// Operation is one cleaning step and its description.
type Operation struct {
	Name   string `json:"name"`
	Detail string `json:"detail"`
}

// CleaningView is the display form of a cleaning report.
type CleaningView struct {
	Available       bool            `json:"available"`
	Summary         CleaningSummary `json:"summary"`
	Operations      []Operation     `json:"operations,omitempty"`
	Preview         *Preview        `json:"preview,omitempty"`
	IssuesRemaining []Issue         `json:"issues_remaining,omitempty"`
}

// NewAnalysisView decodes analysis sections keyed by name. Each section is
// decoded independently so one malformed section does not hide the others.
func NewAnalysisView(sections map[string]any) AnalysisView {
	var v AnalysisView
	if len(sections) == 0 {
		return v
	}

	if raw, ok := sections["basic_info"]; ok {
		var bi BasicInfo
		if weakDecode(raw, &bi) == nil {
			v.BasicInfo = &bi
		}
	}
	if raw, ok := sections["data_quality"]; ok {
		var dq DataQuality
		if weakDecode(raw, &dq) == nil {
			v.DataQuality = &dq
		}
	}
	if raw, ok := sections["preview_data"]; ok {
		v.Preview = decodePreview(raw)
	}
	if raw, ok := sections["issues"]; ok {
		var issues []Issue
		if weakDecode(raw, &issues) == nil {
			v.Issues = issues
		}
	}
	if raw, ok := sections["feature_importance"]; ok {
		var fi map[string]float64
		if weakDecode(raw, &fi) == nil {
			v.FeatureImportance = fi
		}
	}

	v.Available = v.BasicInfo != nil || v.DataQuality != nil || v.Preview != nil ||
		v.Issues != nil || v.FeatureImportance != nil
	return v
}

// NewCleaningView decodes a cleaning report. A report without a decodable
// summary is reported as unavailable.
func NewCleaningView(report map[string]any) CleaningView {
	var v CleaningView
	if report == nil {
		return v
	}
	if weakDecode(report["summary"], &v.Summary) != nil {
		return CleaningView{}
	}
	v.Available = true

	if ops, ok := report["operations_performed"].(map[string]any); ok {
		names := make([]string, 0, len(ops))
		for name := range ops {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v.Operations = append(v.Operations, Operation{Name: name, Detail: fmt.Sprint(ops[name])})
		}
	}
	if raw, ok := report["preview_cleaned_data"]; ok {
		v.Preview = decodePreview(raw)
	}
	if raw, ok := report["issues_remaining"]; ok {
		var issues []Issue
		if weakDecode(raw, &issues) == nil {
			v.IssuesRemaining = issues
		}
	}
	return v
}

// decodePreview reads {headers, rows}. Cells are stringified because
// dataset rows mix numbers, strings and nulls.
func decodePreview(raw any) *Preview {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	var p Preview
	if weakDecode(m["headers"], &p.Headers) != nil {
		return nil
	}
	rows, _ := m["rows"].([]any)
	for _, r := range rows {
		cells, ok := r.([]any)
		if !ok {
			continue
		}
		row := make([]string, len(cells))
		for i, c := range cells {
			if c != nil {
				row[i] = fmt.Sprint(c)
			}
		}
		p.Rows = append(p.Rows, row)
	}
	return &p
}

var errMissingSection = errors.New("missing section")

func weakDecode(input any, out any) error {
	if input == nil {
		return errMissingSection
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
