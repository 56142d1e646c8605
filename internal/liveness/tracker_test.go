package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestRecordHeartbeat_RegularCadenceHasNoDisconnections(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	rec := tr.Start(t0)

	for i := 1; i <= 24; i++ {
		var out Outcome
		rec, out = tr.RecordHeartbeat(rec, t0.Add(time.Duration(i)*30*time.Second), HeartbeatActive)
		require.False(t, out.Stale)
		require.Nil(t, out.Disconnection)
	}

	assert.Empty(t, rec.Disconnections)
	assert.Equal(t, int64(0), rec.TotalDisconnectSeconds)
	assert.Equal(t, int64(720), BillableSeconds(rec, t0.Add(12*time.Minute)))
}

func TestRecordHeartbeat_GapAboveThresholdForgivesGrace(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	rec := tr.Start(t0)

	rec, _ = tr.RecordHeartbeat(rec, t0.Add(20*time.Minute), HeartbeatActive)

	// 20m00s -> 20m30s -> 22m00s is a 90 second gap.
	rec, out := tr.RecordHeartbeat(rec, t0.Add(20*time.Minute+30*time.Second), HeartbeatActive)
	require.Nil(t, out.Disconnection)
	rec, out = tr.RecordHeartbeat(rec, t0.Add(22*time.Minute), HeartbeatActive)
	require.NotNil(t, out.Disconnection)
	assert.Equal(t, int64(90), out.Disconnection.DurationSeconds)
	assert.Equal(t, int64(60), out.BilledDisconnectSeconds)

	require.Len(t, rec.Disconnections, 1)
	assert.Equal(t, t0.Add(20*time.Minute+30*time.Second), rec.Disconnections[0].Start)
	assert.Equal(t, t0.Add(22*time.Minute), rec.Disconnections[0].End)
	assert.Equal(t, int64(60), rec.TotalDisconnectSeconds)

	assert.Equal(t, int64(2700), WallClockSeconds(rec, t0.Add(45*time.Minute)))
	assert.Equal(t, int64(2640), BillableSeconds(rec, t0.Add(45*time.Minute)))
}

func TestRecordHeartbeat_GapAtThresholdIsNotDisconnection(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	rec := tr.Start(t0)

	rec, out := tr.RecordHeartbeat(rec, t0.Add(60*time.Second), HeartbeatActive)
	assert.Nil(t, out.Disconnection)
	assert.Empty(t, rec.Disconnections)

	rec, out = tr.RecordHeartbeat(rec, t0.Add(60*time.Second+61*time.Second), HeartbeatActive)
	require.NotNil(t, out.Disconnection)
	assert.Equal(t, int64(31), out.BilledDisconnectSeconds)
	assert.Equal(t, int64(31), rec.TotalDisconnectSeconds)
}

func TestRecordHeartbeat_GraceLargerThanGapBillsNothing(t *testing.T) {
	tr := NewTracker(Config{DisconnectThreshold: 10 * time.Second, GracePeriod: 45 * time.Second})
	rec := tr.Start(t0)

	rec, out := tr.RecordHeartbeat(rec, t0.Add(40*time.Second), HeartbeatActive)
	require.NotNil(t, out.Disconnection)
	assert.Equal(t, int64(0), out.BilledDisconnectSeconds)
	assert.Len(t, rec.Disconnections, 1)
	assert.Equal(t, int64(0), rec.TotalDisconnectSeconds)
}

func TestRecordHeartbeat_StaleIsIgnored(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	rec := tr.Start(t0)
	rec, _ = tr.RecordHeartbeat(rec, t0.Add(5*time.Minute), HeartbeatActive)
	before := rec.Clone()

	for _, at := range []time.Time{t0.Add(5 * time.Minute), t0.Add(time.Minute), t0} {
		next, out := tr.RecordHeartbeat(rec, at, HeartbeatActive)
		assert.True(t, out.Stale)
		assert.Equal(t, before, next)
	}
}

func TestRecordHeartbeat_DoesNotAliasInput(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	rec := tr.Start(t0)

	next, _ := tr.RecordHeartbeat(rec, t0.Add(2*time.Minute), HeartbeatActive)
	assert.Len(t, rec.Heartbeats, 1)
	assert.Empty(t, rec.Disconnections)
	assert.Len(t, next.Heartbeats, 2)
	assert.Len(t, next.Disconnections, 1)
}

func TestRecordHeartbeat_LogIsCapped(t *testing.T) {
	tr := NewTracker(Config{LogCap: 5})
	rec := tr.Start(t0)

	for i := 1; i <= 12; i++ {
		rec, _ = tr.RecordHeartbeat(rec, t0.Add(time.Duration(i)*10*time.Second), HeartbeatActive)
	}

	require.Len(t, rec.Heartbeats, 5)
	assert.Equal(t, t0.Add(80*time.Second), rec.Heartbeats[0].At)
	assert.Equal(t, t0.Add(120*time.Second), rec.Heartbeats[4].At)
}

func TestMark_ResetClockSkipsGap(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	rec := tr.Start(t0)

	rec = tr.Mark(rec, t0.Add(10*time.Minute), HeartbeatActive, true)
	rec, out := tr.RecordHeartbeat(rec, t0.Add(10*time.Minute+20*time.Second), HeartbeatActive)
	assert.Nil(t, out.Disconnection)
	assert.Equal(t, HeartbeatActive, rec.Heartbeats[len(rec.Heartbeats)-1].Status)

	rec = tr.Mark(rec, t0.Add(15*time.Minute), HeartbeatPaused, false)
	assert.Equal(t, t0.Add(10*time.Minute+20*time.Second), rec.LastHeartbeat)
}

func TestBillableSeconds_MonotonicAndFrozenAtLeave(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	rec := tr.Start(t0)
	rec, _ = tr.RecordHeartbeat(rec, t0.Add(5*time.Minute), HeartbeatActive)

	prev := int64(-1)
	for s := 0; s < 3600; s += 45 {
		got := BillableSeconds(rec, t0.Add(time.Duration(s)*time.Second))
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}

	leave := t0.Add(30 * time.Minute)
	rec.LeaveTime = &leave
	assert.Equal(t, BillableSeconds(rec, leave), BillableSeconds(rec, leave.Add(time.Hour)))
}

func TestBillableSeconds_NeverNegative(t *testing.T) {
	rec := Record{JoinTime: t0, LastHeartbeat: t0, TotalDisconnectSeconds: 500}
	assert.Equal(t, int64(0), BillableSeconds(rec, t0.Add(time.Minute)))
	assert.Equal(t, int64(0), WallClockSeconds(rec, t0.Add(-time.Minute)))
}

func TestHeartbeatStatusValid(t *testing.T) {
	assert.True(t, HeartbeatActive.Valid())
	assert.True(t, HeartbeatPaused.Valid())
	assert.True(t, HeartbeatDisconnected.Valid())
	assert.False(t, HeartbeatStatus("AWAY").Valid())
}
