package alert

import (
	"sort"
	"strings"
	"time"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Detail is one labelled line under an alert headline.
type Detail struct {
	Label string
	Value string
}

// Alert is a rendered notification. Notifiers choose their own markup from it.
type Alert struct {
	Event    string
	Severity Severity
	Mode     string
	Symbol   string
	At       time.Time
	Summary  string
	Details  []Detail
}

// Text is the plain rendering shared by notifiers without markup.
func (a Alert) Text() string {
	var b strings.Builder
	b.WriteString(a.header())
	b.WriteString(" ")
	b.WriteString(a.Summary)
	for _, d := range a.Details {
		b.WriteString("\n")
		b.WriteString(d.Label)
		b.WriteString(": ")
		b.WriteString(d.Value)
	}
	b.WriteString("\n")
	b.WriteString(a.At.UTC().Format(time.RFC3339))
	return b.String()
}

func (a Alert) header() string {
	h := "[" + a.Mode + " " + a.Symbol + "]"
	if a.Severity != SeverityInfo {
		h += " " + strings.ToUpper(a.Severity.String())
	}
	return h
}

// DetailMap flattens Details for structured payloads.
func (a Alert) DetailMap() map[string]string {
	if len(a.Details) == 0 {
		return nil
	}
	out := make(map[string]string, len(a.Details))
	for _, d := range a.Details {
		out[d.Label] = d.Value
	}
	return out
}

var operationalSeverity = map[string]Severity{
	"runner_stopped":            SeverityCritical,
	"circuit_breaker_trip":      SeverityCritical,
	"feed_disconnected":         SeverityWarning,
	"circuit_breaker_near_trip": SeverityWarning,
	"circuit_breaker_half_open": SeverityWarning,
}

// operational renders a runner or breaker event. Fields become details in key order.
func operational(event string, fields map[string]string) Alert {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	details := make([]Detail, 0, len(keys))
	for _, k := range keys {
		details = append(details, Detail{Label: k, Value: fields[k]})
	}
	return Alert{
		Event:    event,
		Severity: operationalSeverity[event],
		Summary:  strings.ReplaceAll(event, "_", " "),
		Details:  details,
	}
}
