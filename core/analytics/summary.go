package analytics

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportFormat selects the encoding of WriteSummary.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportYAML ExportFormat = "yaml"
)

func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return ExportJSON, nil
	case "yaml", "yml":
		return ExportYAML, nil
	default:
		return "", fmt.Errorf("analytics: unknown export format %q", s)
	}
}

type Totals struct {
	Modules     int    `json:"modules" yaml:"modules"`
	Unhealthy   int    `json:"unhealthy" yaml:"unhealthy"`
	Reads       uint64 `json:"reads" yaml:"reads"`
	Writes      uint64 `json:"writes" yaml:"writes"`
	Bottlenecks int    `json:"bottlenecks" yaml:"bottlenecks"`
}

type TopicSummary struct {
	Module    string   `json:"module,omitempty" yaml:"module,omitempty"`
	Topic     string   `json:"topic" yaml:"topic"`
	Direction string   `json:"direction" yaml:"direction"`
	Count     uint64   `json:"count" yaml:"count"`
	Backlog   *uint64  `json:"backlog,omitempty" yaml:"backlog,omitempty"`
	Pending   string   `json:"pending,omitempty" yaml:"pending,omitempty"`
	Rate      *float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
	Health    string   `json:"health" yaml:"health"`
}

type ModuleSummary struct {
	Name   string         `json:"name" yaml:"name"`
	Health string         `json:"health" yaml:"health"`
	Reads  uint64         `json:"reads" yaml:"reads"`
	Writes uint64         `json:"writes" yaml:"writes"`
	Topics []TopicSummary `json:"topics" yaml:"topics"`
}

// Summary is the exportable digest of a View.
type Summary struct {
	TimestampMs uint64          `json:"timestamp_ms" yaml:"timestamp_ms"`
	Totals      Totals          `json:"totals" yaml:"totals"`
	Modules     []ModuleSummary `json:"modules" yaml:"modules"`
	Bottlenecks []TopicSummary  `json:"bottlenecks" yaml:"bottlenecks"`
}

// Summarize builds the summary of v.
func Summarize(v *View) Summary {
	s := Summary{
		TimestampMs: v.TimestampMs,
		Totals: Totals{
			Modules:     len(v.Modules),
			Unhealthy:   v.Unhealthy(),
			Bottlenecks: len(v.Bottlenecks),
		},
		Modules:     make([]ModuleSummary, 0, len(v.Modules)),
		Bottlenecks: make([]TopicSummary, 0, len(v.Bottlenecks)),
	}
	for _, m := range v.Modules {
		s.Totals.Reads += m.TotalReads
		s.Totals.Writes += m.TotalWrites
		ms := ModuleSummary{
			Name:   m.Name,
			Health: m.Status.String(),
			Reads:  m.TotalReads,
			Writes: m.TotalWrites,
			Topics: make([]TopicSummary, 0, len(m.Reads)+len(m.Writes)),
		}
		for _, tv := range m.Reads {
			ms.Topics = append(ms.Topics, topicSummary(tv, false))
		}
		for _, tv := range m.Writes {
			ms.Topics = append(ms.Topics, topicSummary(tv, false))
		}
		s.Modules = append(s.Modules, ms)
	}
	for _, tv := range v.Bottlenecks {
		s.Bottlenecks = append(s.Bottlenecks, topicSummary(tv, true))
	}
	return s
}

func topicSummary(tv TopicView, withModule bool) TopicSummary {
	ts := TopicSummary{
		Topic:     tv.Topic,
		Direction: tv.Direction.String(),
		Count:     tv.Count,
		Backlog:   tv.Backlog,
		Rate:      tv.Rate,
		Health:    tv.Status.String(),
	}
	if withModule {
		ts.Module = tv.Module
	}
	if tv.Pending != nil {
		ts.Pending = FormatDuration(*tv.Pending)
	}
	return ts
}

// Summary returns the digest of the current view.
func (e *Engine) Summary() Summary { return Summarize(e.View()) }

// WriteSummary encodes the current summary to w.
func (e *Engine) WriteSummary(w io.Writer, format ExportFormat) error {
	return Summarize(e.View()).Write(w, format)
}

func (s Summary) Write(w io.Writer, format ExportFormat) error {
	switch format {
	case ExportJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case ExportYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("analytics: unknown export format %q", format)
	}
}
