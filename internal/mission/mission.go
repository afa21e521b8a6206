// Package mission validates the Task (op=T) JSON payload ML's receive path
// delivers, and parses the metrics-alert filename grammar carried in op=M
// payloads.
//
// Grounded directly on the original Python source
// (original_source/tp2/protocol/MissionLink.py and
// tp2/otherEntities/Device.py) since no example repo in the retrieved pack
// hand-validates a bounded JSON schema; the field set and failure messages
// below follow spec.md §4.8/§6 and the original's behavior where the spec
// is silent.
package mission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Known, non-exhaustive task kinds. A Task payload naming a value outside
// this set is still accepted (with a warning), per spec.
var knownTasks = map[string]bool{
	"capture_images":         true,
	"sample_collection":      true,
	"environmental_analysis": true,
}

var knownPriorities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// Area is the rectangular geographic region a mission covers.
type Area struct {
	X1, Y1, X2, Y2 float64
}

// Mission is a validated Task payload.
type Mission struct {
	MissionID              string
	RoverID                string
	Area                   Area
	Task                   string
	DurationMinutes        float64
	UpdateFrequencySeconds float64
	Priority               string
	Instructions           string

	// Warnings holds non-fatal observations, e.g. an unrecognized Task
	// value, that the caller may want to log.
	Warnings []string
}

// InvalidMissionError names the specific validation rule a Task payload
// failed. It is always surfaced to the caller (the transport layer still
// ACKs the packet so the sender does not retry forever).
type InvalidMissionError struct {
	Reason string
}

func (e *InvalidMissionError) Error() string {
	return fmt.Sprintf("invalid mission: %s", e.Reason)
}

func invalid(format string, args ...any) error {
	return &InvalidMissionError{Reason: fmt.Sprintf(format, args...)}
}

// Validate parses and checks payload against the Task schema in spec §4.8.
func Validate(payload []byte) (*Mission, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, invalid("payload is not a JSON object: %v", err)
	}

	missionID, ok := stringField(raw, "mission_id")
	if !ok {
		return nil, invalid("mission_id is required and must be a string")
	}
	roverID, ok := stringField(raw, "rover_id")
	if !ok {
		return nil, invalid("rover_id is required and must be a string")
	}

	areaRaw, ok := raw["geographic_area"].(map[string]any)
	if !ok {
		return nil, invalid("geographic_area is required and must be an object")
	}
	x1, ok1 := numericField(areaRaw, "x1")
	y1, ok2 := numericField(areaRaw, "y1")
	x2, ok3 := numericField(areaRaw, "x2")
	y2, ok4 := numericField(areaRaw, "y2")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, invalid("geographic_area.x1, y1, x2, y2 are all required and must be numeric")
	}
	if !(x1 < x2) || !(y1 < y2) {
		return nil, invalid("x1<x2 and y1<y2 required")
	}

	task, ok := stringField(raw, "task")
	if !ok {
		return nil, invalid("task is required and must be a string")
	}

	duration, ok := numericField(raw, "duration_minutes")
	if !ok || duration <= 0 {
		return nil, invalid("duration_minutes is required and must be a number > 0")
	}
	frequency, ok := numericField(raw, "update_frequency_seconds")
	if !ok || frequency <= 0 {
		return nil, invalid("update_frequency_seconds is required and must be a number > 0")
	}

	m := &Mission{
		MissionID:              missionID,
		RoverID:                roverID,
		Area:                   Area{X1: x1, Y1: y1, X2: x2, Y2: y2},
		Task:                   task,
		DurationMinutes:        duration,
		UpdateFrequencySeconds: frequency,
	}

	if !knownTasks[task] {
		m.Warnings = append(m.Warnings, fmt.Sprintf("unrecognized task %q, accepting anyway", task))
	}

	if priority, ok := stringField(raw, "priority"); ok {
		if !knownPriorities[priority] {
			return nil, invalid("priority must be one of low, medium, high")
		}
		m.Priority = priority
	}
	if instructions, ok := stringField(raw, "instructions"); ok {
		m.Instructions = instructions
	}

	return m, nil
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numericField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64) // encoding/json decodes all JSON numbers as float64 into any
	return n, ok
}

// ParseMetricsFilename extracts the mission id, task sequence component, and
// iteration number from a metrics-alert filename of the form
// "alert_<missionId>_task-<NNN>_<iter>.json" (spec §6).
func ParseMetricsFilename(name string) (missionID, taskSeq, iter string, err error) {
	parts := strings.Split(name, "_")
	if len(parts) != 4 || parts[0] != "alert" {
		return "", "", "", fmt.Errorf("mission: malformed metrics filename %q", name)
	}
	if !strings.HasSuffix(parts[3], ".json") {
		return "", "", "", fmt.Errorf("mission: metrics filename %q missing .json suffix", name)
	}
	return parts[1], parts[2], strings.TrimSuffix(parts[3], ".json"), nil
}
