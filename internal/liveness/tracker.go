// Package liveness turns a stream of participant heartbeats into billable
// time. It is a pure projection: callers own the Record and persist whatever
// the tracker returns.
package liveness

import (
	"time"
)

// HeartbeatStatus is the status a participant declares with a heartbeat.
type HeartbeatStatus string

const (
	HeartbeatActive       HeartbeatStatus = "ACTIVE"
	HeartbeatPaused       HeartbeatStatus = "PAUSED"
	HeartbeatDisconnected HeartbeatStatus = "DISCONNECTED"
)

// Valid reports whether s is a known heartbeat status.
func (s HeartbeatStatus) Valid() bool {
	switch s {
	case HeartbeatActive, HeartbeatPaused, HeartbeatDisconnected:
		return true
	}
	return false
}

// Heartbeat is one entry of the bounded heartbeat log.
type Heartbeat struct {
	At     time.Time       `json:"at"`
	Status HeartbeatStatus `json:"status"`
}

// Disconnection is a closed interval during which no heartbeat arrived.
type Disconnection struct {
	Start           time.Time `json:"disconnect_start"`
	End             time.Time `json:"reconnect_end"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// Record is the liveness state of one session.
type Record struct {
	JoinTime               time.Time       `json:"join_time"`
	LeaveTime              *time.Time      `json:"leave_time,omitempty"`
	LastHeartbeat          time.Time       `json:"last_heartbeat"`
	Heartbeats             []Heartbeat     `json:"heartbeats"`
	Disconnections         []Disconnection `json:"disconnections"`
	TotalDisconnectSeconds int64           `json:"total_disconnect_seconds"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.LeaveTime != nil {
		leave := *r.LeaveTime
		out.LeaveTime = &leave
	}
	out.Heartbeats = append([]Heartbeat(nil), r.Heartbeats...)
	out.Disconnections = append([]Disconnection(nil), r.Disconnections...)
	return out
}

// Config holds the tracker thresholds.
type Config struct {
	// DisconnectThreshold is the heartbeat gap above which a disconnection is recorded.
	DisconnectThreshold time.Duration
	// GracePeriod is forgiven from every individual gap, not cumulatively.
	GracePeriod time.Duration
	// LogCap bounds the heartbeat log; the oldest entries are evicted first.
	LogCap int
}

// DefaultConfig returns the stock thresholds: 60s threshold, 30s grace, 100 entries.
func DefaultConfig() Config {
	return Config{
		DisconnectThreshold: 60 * time.Second,
		GracePeriod:         30 * time.Second,
		LogCap:              100,
	}
}

// Outcome describes what RecordHeartbeat did.
type Outcome struct {
	// Stale is set when the heartbeat was not newer than the last one and was
	// acknowledged without being applied.
	Stale bool
	// Disconnection is set when the gap before this heartbeat was recorded as a disconnection.
	Disconnection *Disconnection
	// BilledDisconnectSeconds is the part of that gap removed from billable time.
	BilledDisconnectSeconds int64
}

// Tracker applies heartbeats to records.
type Tracker struct {
	cfg Config
}

// NewTracker creates a tracker. A non-positive threshold or log cap and a
// negative grace period fall back to DefaultConfig.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.DisconnectThreshold <= 0 {
		cfg.DisconnectThreshold = def.DisconnectThreshold
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.LogCap <= 0 {
		cfg.LogCap = def.LogCap
	}
	return &Tracker{cfg: cfg}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Start initialises a record for a session joining at now.
func (t *Tracker) Start(now time.Time) Record {
	return Record{
		JoinTime:      now,
		LastHeartbeat: now,
		Heartbeats:    []Heartbeat{{At: now, Status: HeartbeatActive}},
	}
}

// RecordHeartbeat applies a heartbeat observed at now. Heartbeats not newer
// than rec.LastHeartbeat are stale duplicates and leave the record untouched.
// The returned record never shares slices with rec.
func (t *Tracker) RecordHeartbeat(rec Record, now time.Time, declared HeartbeatStatus) (Record, Outcome) {
	if !now.After(rec.LastHeartbeat) {
		return rec.Clone(), Outcome{Stale: true}
	}

	out := rec.Clone()
	var outcome Outcome

	gap := wholeSeconds(now.Sub(rec.LastHeartbeat))
	if gap > wholeSeconds(t.cfg.DisconnectThreshold) {
		d := Disconnection{
			Start:           rec.LastHeartbeat,
			End:             now,
			DurationSeconds: gap,
		}
		billed := gap - wholeSeconds(t.cfg.GracePeriod)
		if billed < 0 {
			billed = 0
		}
		out.Disconnections = append(out.Disconnections, d)
		out.TotalDisconnectSeconds += billed
		outcome.Disconnection = &d
		outcome.BilledDisconnectSeconds = billed
	}

	out.LastHeartbeat = now
	out = t.appendHeartbeat(out, Heartbeat{At: now, Status: declared})
	return out, outcome
}

// Mark appends a synthetic status entry without touching gap accounting.
// When resetClock is set, LastHeartbeat moves to now so the preceding
// interval is never treated as a disconnection.
func (t *Tracker) Mark(rec Record, now time.Time, status HeartbeatStatus, resetClock bool) Record {
	out := rec.Clone()
	if resetClock && now.After(out.LastHeartbeat) {
		out.LastHeartbeat = now
	}
	return t.appendHeartbeat(out, Heartbeat{At: now, Status: status})
}

func (t *Tracker) appendHeartbeat(rec Record, hb Heartbeat) Record {
	rec.Heartbeats = append(rec.Heartbeats, hb)
	if over := len(rec.Heartbeats) - t.cfg.LogCap; over > 0 {
		rec.Heartbeats = append([]Heartbeat(nil), rec.Heartbeats[over:]...)
	}
	return rec
}

// WallClockSeconds is the elapsed time between join and leave (or now).
func WallClockSeconds(rec Record, now time.Time) int64 {
	end := now
	if rec.LeaveTime != nil {
		end = *rec.LeaveTime
	}
	wall := wholeSeconds(end.Sub(rec.JoinTime))
	if wall < 0 {
		return 0
	}
	return wall
}

// BillableSeconds is wall-clock time minus billed disconnection time. For a
// fixed record it never decreases as now advances.
func BillableSeconds(rec Record, now time.Time) int64 {
	billable := WallClockSeconds(rec, now) - rec.TotalDisconnectSeconds
	if billable < 0 {
		return 0
	}
	return billable
}

func wholeSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
