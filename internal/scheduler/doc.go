// Package scheduler synthesizes events from three task kinds (fixed
// intervals, 5-field cron expressions, polled watch probes) and feeds
// them into the event bus. One loop serves all tasks, ordered by next fire
// time; firings of a single task are strictly monotonic and never overlap.
package scheduler
