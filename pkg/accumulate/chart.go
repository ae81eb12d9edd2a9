package accumulate

import (
	"strconv"
	"strings"

	"github.com/3leaps/learnlab/pkg/runevent"
)

// MaxChartPoints caps the retained length of each chart series.
const MaxChartPoints = 150

// TaskType selects which metric pair a chart plots.
type TaskType string

const (
	Classification TaskType = "classification"
	Regression     TaskType = "regression"
)

// ResolveTaskType picks the task type for a run.
//
// Order: explicitly configured task type, then the task recorded in the
// run's educational summary, then a substring match on the model
// identifier ("regressor" or "regression" means regression), then
// classification.
func ResolveTaskType(configured, summaryTask, modelIdentifier string) TaskType {
	if tt, ok := parseTaskType(configured); ok {
		return tt
	}
	if tt, ok := parseTaskType(summaryTask); ok {
		return tt
	}
	id := strings.ToLower(modelIdentifier)
	if strings.Contains(id, "regressor") || strings.Contains(id, "regression") {
		return Regression
	}
	return Classification
}

func parseTaskType(v string) (TaskType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "classification", "classifier":
		return Classification, true
	case "regression", "regressor":
		return Regression, true
	default:
		return "", false
	}
}

// MetricFields returns the metric names plotted on the primary and
// secondary series for a task type.
func (t TaskType) MetricFields() (primary, secondary string) {
	if t == Regression {
		return "r2", "rmse"
	}
	return "accuracy", "loss"
}

// ChartPoint is one step of a series. Nil values were absent in the metric.
type ChartPoint struct {
	StepLabel string   `json:"step"`
	Train     *float64 `json:"train"`
	Val       *float64 `json:"val"`
}

// Series is an ordered, label-deduplicated sequence of chart points.
type Series struct {
	Metric string       `json:"metric"`
	Points []ChartPoint `json:"points"`
}

// Len returns the number of retained points.
func (s Series) Len() int {
	return len(s.Points)
}

// upsert returns a copy of s with p written at its label, appending (and
// evicting the oldest points past MaxChartPoints) when the label is new.
func (s Series) upsert(p ChartPoint) Series {
	out := Series{Metric: s.Metric, Points: make([]ChartPoint, len(s.Points), len(s.Points)+1)}
	copy(out.Points, s.Points)

	for i := range out.Points {
		if out.Points[i].StepLabel == p.StepLabel {
			out.Points[i] = p
			return out
		}
	}

	out.Points = append(out.Points, p)
	if over := len(out.Points) - MaxChartPoints; over > 0 {
		out.Points = out.Points[over:]
	}
	return out
}

// Chart holds the primary and secondary metric series for a run.
type Chart struct {
	TaskType  TaskType `json:"task_type"`
	Primary   Series   `json:"primary"`
	Secondary Series   `json:"secondary"`

	// counter labels metrics that carry no epoch, estimator or iteration.
	counter int
}

// NewChart returns an empty chart for the given task type.
func NewChart(tt TaskType) Chart {
	if tt == "" {
		tt = Classification
	}
	primary, secondary := tt.MetricFields()
	return Chart{
		TaskType:  tt,
		Primary:   Series{Metric: primary},
		Secondary: Series{Metric: secondary},
	}
}

// WithTaskType re-targets an empty chart. Charts that already hold points
// keep their task type, so a late task-type resolution never mixes metrics.
func (c Chart) WithTaskType(tt TaskType) Chart {
	if c.Primary.Len() > 0 || c.Secondary.Len() > 0 || tt == c.TaskType {
		return c
	}
	next := NewChart(tt)
	next.counter = c.counter
	return next
}

// StepLabel resolves the label of a metric: epoch, else estimator, else
// iteration. The boolean is false when none is present.
func StepLabel(m runevent.Metric) (string, bool) {
	switch {
	case m.Epoch != nil:
		return strconv.Itoa(*m.Epoch), true
	case m.Estimator != nil:
		return strconv.Itoa(*m.Estimator), true
	case m.Iteration != nil:
		return strconv.Itoa(*m.Iteration), true
	default:
		return "", false
	}
}

// FoldMetric upserts a Metric event into both series. Other events leave
// the chart unchanged.
func FoldMetric(prior Chart, ev runevent.Event) Chart {
	m, ok := ev.(runevent.Metric)
	if !ok {
		return prior
	}
	if prior.TaskType == "" {
		counter := prior.counter
		prior = NewChart(Classification)
		prior.counter = counter
	}

	next := prior
	label, ok := StepLabel(m)
	if !ok {
		next.counter++
		label = strconv.Itoa(next.counter)
	}

	primary, secondary := next.TaskType.MetricFields()
	next.Primary = prior.Primary.upsert(ChartPoint{
		StepLabel: label,
		Train:     lookup(m.Train, primary),
		Val:       lookup(m.Val, primary),
	})
	next.Secondary = prior.Secondary.upsert(ChartPoint{
		StepLabel: label,
		Train:     lookup(m.Train, secondary),
		Val:       lookup(m.Val, secondary),
	})
	return next
}

func lookup(values map[string]float64, key string) *float64 {
	v, ok := values[key]
	if !ok {
		return nil
	}
	return &v
}
