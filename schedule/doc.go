// Package schedule parses measurement schedules of the form "start|stop|mode".
//
// start is "now" or an ISO-8601 timestamp, stop is an optional ISO-8601
// timestamp and mode is empty (run once), "stream" (continuous output) or a
// periodicity such as "30s", "5m", "1.5h" or "2d".
package schedule
