package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	Timezone    string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
	HistorySize int    // fire history ring size (default 100)
}

// Kind discriminates the three task sources.
type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindWatch    Kind = "watch"
	KindOnce     Kind = "once"
)

// Probe observes the state of a watched resource. It returns an opaque
// state marker; two different markers mean the resource changed.
type Probe func(ctx context.Context) (string, error)

type task struct {
	id   string
	name string
	kind Kind

	// interval / watch
	every time.Duration

	// cron
	spec  string
	sched cron.Schedule

	// watch
	probe     Probe
	lastState string
	seeded    bool

	next  time.Time
	fires int
	index int // heap position
}

// FireRecord is one entry of the fire history ring.
type FireRecord struct {
	ID       string
	Name     string
	Kind     Kind
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TaskInfo is a read-only view of a scheduled task.
type TaskInfo struct {
	ID    string
	Name  string
	Kind  Kind
	Spec  string
	Next  time.Time
	Fires int
}

// Snapshot is a point-in-time view of the scheduler for operators.
type Snapshot struct {
	Timezone string
	Tasks    []TaskInfo
	History  []FireRecord
}
