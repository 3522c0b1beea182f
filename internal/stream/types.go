package stream

import (
	"fmt"
	"strings"
)

// Category names. A category is the first word of a stream type and of every
// topic key derived from it.
const (
	CategoryControl  = "control"
	CategoryRealtime = "realtime"
	CategoryReport   = "report"
)

// Type identifies a stream. The string form is "<category>.<name>".
type Type string

// The closed set of stream types.
const (
	ControlStart Type = "control.start"
	ControlEnd   Type = "control.end"
	ControlKill  Type = "control.kill"

	RealtimeLocation Type = "realtime.location"
	RealtimeStatus   Type = "realtime.status"
	RealtimeBattery  Type = "realtime.battery"

	ReportMaintenance Type = "report.maintenance"
	ReportPerformance Type = "report.performance"
)

var allTypes = []Type{
	ControlStart, ControlEnd, ControlKill,
	RealtimeLocation, RealtimeStatus, RealtimeBattery,
	ReportMaintenance, ReportPerformance,
}

// All returns every stream type in a stable order.
func All() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Categories returns the category names in a stable order.
func Categories() []string {
	return []string{CategoryControl, CategoryRealtime, CategoryReport}
}

// InCategory returns the stream types belonging to category, or nil if the
// category is unknown.
func InCategory(category string) []Type {
	var out []Type
	for _, t := range allTypes {
		if t.Category() == category {
			out = append(out, t)
		}
	}
	return out
}

// ParseType converts s to a Type, rejecting anything outside the closed set.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStream, s)
	}
	return t, nil
}

// Valid reports whether t is one of the declared stream types.
func (t Type) Valid() bool {
	_, ok := schemas[t]
	return ok
}

// Category returns the part before the dot, e.g. "realtime".
func (t Type) Category() string {
	category, _, _ := strings.Cut(string(t), ".")
	return category
}

// Name returns the part after the dot, e.g. "location".
func (t Type) Name() string {
	_, name, _ := strings.Cut(string(t), ".")
	return name
}

// String implements fmt.Stringer.
func (t Type) String() string { return string(t) }
