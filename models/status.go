package models

import (
	"time"
)

// TargetState is the collection state machine position for one target.
type TargetState string

const (
	StateIdle       TargetState = "idle"
	StatePlanning   TargetState = "planning"
	StateFetching   TargetState = "fetching"
	StateCommitting TargetState = "committing"
	StateFailed     TargetState = "failed"
	// StateDone means the run covered every planned range for the target.
	StateDone TargetState = "done"
	// StateTerminal means the retry ceiling was exceeded for a range and the
	// target was abandoned for this run. Sibling targets are unaffected.
	StateTerminal TargetState = "terminal"
)

// TargetProgress is a point-in-time snapshot of one target's collection,
// exposed for operational monitoring.
type TargetProgress struct {
	Target            TargetID
	State             TargetState
	Watermark         int64
	LatestBlockNumber int64
	CurrentRange      *BlockRange
	RangeAttempts     int
	RowsCommitted     int64
	RPCErrorCount     int
	SinkErrorCount    int
	Errors            []CollectError
	Since             time.Time
}

// CollectError is one observed failure, kept in a bounded buffer per target.
type CollectError struct {
	Timestamp time.Time
	Range     string
	Error     string
	// Source is "rpc" or "sink".
	Source string
}
