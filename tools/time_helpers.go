package tools

import (
	"fmt"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/gtime"

	"github.com/grafana/mcp-grafana-variables/templating"
)

const (
	defaultVariablesStart = "now-1h"
	defaultVariablesEnd   = "now"
)

// parseStartTime parses a start time: "now", "now-Xs/m/h/d/w", RFC3339,
// ISO dates or Unix timestamps. An empty string is the zero time.
func parseStartTime(timeStr string) (time.Time, error) {
	return parseTimeAt(timeStr, time.Now(), false)
}

// parseEndTime is parseStartTime for end times, where date-only strings
// resolve to the end of the day.
func parseEndTime(timeStr string) (time.Time, error) {
	return parseTimeAt(timeStr, time.Now(), true)
}

func parseTimeAt(timeStr string, now time.Time, end bool) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, nil
	}
	tr := gtime.TimeRange{Now: now}
	if end {
		tr.To = timeStr
		return tr.ParseTo()
	}
	tr.From = timeStr
	return tr.ParseFrom()
}

// resolveTimeWindow parses the window used for label value lookups, defaulting
// to the last hour. Both ends are relative to the same instant.
func resolveTimeWindow(start, end string) (templating.TimeWindow, error) {
	if start == "" {
		start = defaultVariablesStart
	}
	if end == "" {
		end = defaultVariablesEnd
	}
	now := time.Now()
	startTime, err := parseTimeAt(start, now, false)
	if err != nil {
		return templating.TimeWindow{}, fmt.Errorf("parsing start time: %w", err)
	}
	endTime, err := parseTimeAt(end, now, true)
	if err != nil {
		return templating.TimeWindow{}, fmt.Errorf("parsing end time: %w", err)
	}
	if endTime.Before(startTime) {
		return templating.TimeWindow{}, fmt.Errorf("end time %s is before start time %s", endTime, startTime)
	}
	return templating.TimeWindow{Start: startTime, End: endTime}, nil
}
