package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(filepath.Join(t.TempDir(), "optimization", "build_performance_history.json"), nil)
	require.NoError(t, err)
	return l
}

func record(product string, duration time.Duration, succeeded bool) BuildOutcomeRecord {
	return BuildOutcomeRecord{
		Product:   product,
		Arch:      "x86_64",
		BuildType: "release",
		Duration:  duration,
		Succeeded: succeeded,
	}
}

func TestNewLedger_RequiresPath(t *testing.T) {
	_, err := NewLedger("", nil)
	assert.Error(t, err)
}

func TestLedger_Record_AssignsIDAndTimestamp(t *testing.T) {
	l := newTestLedger(t)

	l.Record(context.Background(), record("app", time.Minute, true))

	records := l.Snapshot()
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].ID)
	assert.False(t, records[0].Timestamp.IsZero())
}

func TestLedger_Record_CapsAtMaxRecords(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < MaxRecords+25; i++ {
		rec := record("app", time.Minute, true)
		rec.ID = fmt.Sprintf("rec-%d", i)
		l.Record(ctx, rec)
	}

	assert.Equal(t, MaxRecords, l.Len())

	// The oldest records were dropped, the newest kept
	records := l.Snapshot()
	assert.Equal(t, "rec-25", records[0].ID)
	assert.Equal(t, fmt.Sprintf("rec-%d", MaxRecords+24), records[len(records)-1].ID)
}

func TestLedger_PersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")

	l, err := NewLedger(path, nil)
	require.NoError(t, err)
	l.Record(context.Background(), record("app", 2*time.Minute, false))

	reloaded, err := NewLedger(path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	assert.Equal(t, "app", reloaded.Snapshot()[0].Product)
	assert.False(t, reloaded.Snapshot()[0].Succeeded)
}

func TestLedger_CorruptHistoryDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("[{broken"), 0o644))

	l, err := NewLedger(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestLedger_Recent_FiltersByWindow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	old := record("app", time.Minute, true)
	old.Timestamp = time.Now().AddDate(0, 0, -40)
	l.Record(ctx, old)
	l.Record(ctx, record("app", time.Minute, true))

	assert.Len(t, l.Recent(30), 1)
	assert.Len(t, l.Recent(0), 2)
	assert.Len(t, l.Recent(-1), 2)
}

func TestLedger_Trend_NoData(t *testing.T) {
	l := newTestLedger(t)

	result := l.Trend("app", "x86_64", "release")
	assert.False(t, result.HasData)
	assert.Equal(t, TrendNoData, result.Direction)
	assert.Equal(t, 0, result.Count)
}

func TestLedger_Trend_Aggregates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.Record(ctx, record("app", 1*time.Minute, true))
	l.Record(ctx, record("app", 3*time.Minute, false))
	l.Record(ctx, record("other", 10*time.Minute, true))

	result := l.Trend("app", "x86_64", "release")
	require.True(t, result.HasData)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, 0.5, result.SuccessRate)
	assert.Equal(t, 2*time.Minute, result.AvgDuration)
	assert.Equal(t, 1*time.Minute, result.MinDuration)
	assert.Equal(t, 3*time.Minute, result.MaxDuration)
}

func TestLedger_Trend_Direction(t *testing.T) {
	tests := []struct {
		name      string
		durations []time.Duration
		want      TrendDirection
	}{
		{
			name:      "increasing",
			durations: []time.Duration{1 * time.Minute, 2 * time.Minute, 3 * time.Minute, 4 * time.Minute},
			want:      TrendIncreasing,
		},
		{
			name:      "decreasing",
			durations: []time.Duration{4 * time.Minute, 3 * time.Minute, 2 * time.Minute, 1 * time.Minute},
			want:      TrendDecreasing,
		},
		{
			name:      "stable",
			durations: []time.Duration{time.Minute, time.Minute, time.Minute, time.Minute},
			want:      TrendStable,
		},
		{
			name:      "single record",
			durations: []time.Duration{time.Minute},
			want:      TrendStable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			for _, d := range tt.durations {
				l.Record(context.Background(), record("app", d, true))
			}
			assert.Equal(t, tt.want, l.Trend("app", "x86_64", "release").Direction)
		})
	}
}

func TestLedger_Trend_WindowsLastTen(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// A long increasing prefix followed by ten flat durations; only the
	// window should drive the direction
	for i := 0; i < 20; i++ {
		l.Record(ctx, record("app", time.Duration(i)*time.Minute, true))
	}
	for i := 0; i < 10; i++ {
		l.Record(ctx, record("app", 5*time.Minute, true))
	}

	assert.Equal(t, TrendStable, l.Trend("app", "x86_64", "release").Direction)
}
