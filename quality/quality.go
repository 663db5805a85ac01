// Package quality scores the completeness of a set of data fetch results.
package quality

import (
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"sort"

	"github.com/deepnoodle-ai/tradeflow/tools"
)

const (
	successWeight      = 0.7
	completenessWeight = 0.3
)

// Grade is a coarse quality label for a report.
type Grade string

const (
	GradeExcellent Grade = "EXCELLENT"
	GradeGood      Grade = "GOOD"
	GradeFair      Grade = "FAIR"
	GradePoor      Grade = "POOR"
)

// Usability says whether downstream analysis should proceed on the data.
type Usability string

const (
	UsabilityReady        Usability = "READY"
	UsabilityPartial      Usability = "PARTIAL"
	UsabilityInsufficient Usability = "INSUFFICIENT"
)

// Outcome is the result of fetching one source.
type Outcome struct {
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// OutcomeFromRecord converts a tool call record into an Outcome. Results
// that are not JSON objects are wrapped under the "value" key.
func OutcomeFromRecord(rec *tools.Record) Outcome {
	if rec == nil {
		return Outcome{Error: "no call recorded"}
	}
	if !rec.Succeeded() {
		out := Outcome{}
		if rec.Error != nil {
			out.Error = rec.Error.Error()
		}
		return out
	}
	return Outcome{OK: true, Payload: asObject(rec.Result)}
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(v)
	if err == nil {
		var m map[string]any
		if json.Unmarshal(data, &m) == nil && m != nil {
			return m
		}
	}
	return map[string]any{"value": v}
}

// Report is the scored view of a set of sources.
type Report struct {
	Score            float64             `json:"score"`
	InsufficientData bool                `json:"insufficient_data"`
	Grade            Grade               `json:"grade"`
	Usability        Usability           `json:"usability"`
	Total            int                 `json:"total_sources"`
	Succeeded        int                 `json:"successful_sources"`
	Completeness     map[string]float64  `json:"completeness,omitempty"`
	Missing          map[string][]string `json:"missing,omitempty"`
	Failed           []string            `json:"failed,omitempty"`
}

// Scorer computes quality reports against required-field sets.
type Scorer struct {
	defaults []string
	required map[string][]string
}

// NewScorer creates a scorer. required overrides the default field set per
// source name; sources without an override use defaults.
func NewScorer(defaults []string, required map[string][]string) *Scorer {
	s := &Scorer{defaults: slices.Clone(defaults), required: map[string][]string{}}
	for name, fields := range required {
		s.required[name] = slices.Clone(fields)
	}
	return s
}

// RequiredFields returns the field set checked for a source.
func (s *Scorer) RequiredFields(source string) []string {
	if fields, ok := s.required[source]; ok {
		return fields
	}
	return s.defaults
}

// Score computes
//
//	0.7 * successful/total + 0.3 * mean(completeness over successful sources)
//
// clamped to [0,1]. An empty input scores 0 and sets InsufficientData.
func (s *Scorer) Score(outcomes map[string]Outcome) Report {
	report := Report{Total: len(outcomes)}
	if len(outcomes) == 0 {
		report.InsufficientData = true
		report.Grade = GradePoor
		report.Usability = UsabilityInsufficient
		return report
	}

	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	report.Completeness = map[string]float64{}
	report.Missing = map[string][]string{}
	var completenessSum float64
	for _, name := range names {
		outcome := outcomes[name]
		if !outcome.OK {
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Succeeded++
		completeness, missing := s.completeness(name, outcome.Payload)
		report.Completeness[name] = completeness
		if len(missing) > 0 {
			report.Missing[name] = missing
		}
		completenessSum += completeness
	}

	score := successWeight * float64(report.Succeeded) / float64(report.Total)
	if report.Succeeded > 0 {
		score += completenessWeight * completenessSum / float64(report.Succeeded)
	}
	report.Score = clamp(score)
	report.Grade = GradeFor(report.Score)
	report.Usability = usabilityFor(report.Grade)
	report.InsufficientData = report.Succeeded == 0
	return report
}

func (s *Scorer) completeness(source string, payload map[string]any) (float64, []string) {
	fields := s.RequiredFields(source)
	if len(fields) == 0 {
		return 1, nil
	}
	var missing []string
	for _, field := range fields {
		if !present(payload[field]) {
			missing = append(missing, field)
		}
	}
	return float64(len(fields)-len(missing)) / float64(len(fields)), missing
}

func present(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// GradeFor maps a score to its grade.
func GradeFor(score float64) Grade {
	switch {
	case score >= 0.9:
		return GradeExcellent
	case score >= 0.7:
		return GradeGood
	case score >= 0.5:
		return GradeFair
	default:
		return GradePoor
	}
}

func usabilityFor(g Grade) Usability {
	switch g {
	case GradeExcellent, GradeGood:
		return UsabilityReady
	case GradeFair:
		return UsabilityPartial
	default:
		return UsabilityInsufficient
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
