package mail

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Priority levels. Lower dispatches first.
const (
	PriorityImmediate = 0
	PriorityHigh      = 1
	PriorityMedium    = 2
	PriorityLow       = 3

	DefaultPriority = PriorityMedium
)

var priorityLabels = map[string]int{
	"immediate": PriorityImmediate,
	"high":      PriorityHigh,
	"medium":    PriorityMedium,
	"low":       PriorityLow,
}

var priorityNames = map[int]string{
	PriorityImmediate: "immediate",
	PriorityHigh:      "high",
	PriorityMedium:    "medium",
	PriorityLow:       "low",
}

// ParsePriority decodes a priority field that may be a JSON number, a
// numeric string or a level name, case-insensitively. Absent or
// unparseable values fall back to def; out-of-range numbers clamp.
func ParsePriority(raw json.RawMessage, def int) int {
	if len(raw) == 0 || string(raw) == "null" {
		return clampPriority(def)
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return clampPriority(int(n))
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return clampPriority(def)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if p, ok := priorityLabels[s]; ok {
		return p
	}
	if n, err := strconv.Atoi(s); err == nil {
		return clampPriority(n)
	}
	return clampPriority(def)
}

// PriorityName returns the label for a priority value.
func PriorityName(p int) string {
	if name, ok := priorityNames[clampPriority(p)]; ok {
		return name
	}
	return "medium"
}

func clampPriority(p int) int {
	if p < PriorityImmediate {
		return PriorityImmediate
	}
	if p > PriorityLow {
		return PriorityLow
	}
	return p
}
