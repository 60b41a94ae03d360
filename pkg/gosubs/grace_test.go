package gosubs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraceWindow_Boundary(t *testing.T) {
	w := GraceWindow{Period: DefaultDeletionGrace}
	mark := w.Mark(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	notYet := mark.Add(29*24*time.Hour + 23*time.Hour + 59*time.Minute)
	assert.False(t, w.Eligible(mark, notYet), "not eligible at T+29d23h59m")

	exactly := mark.Add(30 * 24 * time.Hour)
	assert.True(t, w.Eligible(mark, exactly), "eligible at exactly T+30d")

	after := mark.Add(30*24*time.Hour + time.Second)
	assert.True(t, w.Eligible(mark, after), "eligible at T+30d00h00m01s")

	assert.True(t, w.ExpiresAt(mark).Equal(exactly))
	assert.True(t, w.Cutoff(exactly).Equal(mark))
}

type markedRow struct {
	key    string
	marked time.Time
}

func TestRunSweep(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	window := GraceWindow{Period: 7 * 24 * time.Hour}

	rows := []markedRow{
		{key: "old", marked: now.Add(-8 * 24 * time.Hour)},
		{key: "boom", marked: now.Add(-9 * 24 * time.Hour)},
		{key: "panic", marked: now.Add(-10 * 24 * time.Hour)},
		{key: "fresh", marked: now.Add(-time.Hour)},
	}
	var finalized []string

	policy := GracePolicy[markedRow]{
		Name:   "test",
		Window: window,
		Candidates: func(_ context.Context, cutoff time.Time) ([]markedRow, error) {
			// storage may return more than asked; the window re-checks
			return rows, nil
		},
		Key:      func(r markedRow) string { return r.key },
		MarkedAt: func(r markedRow) time.Time { return r.marked },
		Finalize: func(_ context.Context, r markedRow) error {
			switch r.key {
			case "boom":
				return errors.New("storage down")
			case "panic":
				panic("unexpected")
			}
			finalized = append(finalized, r.key)
			return nil
		},
	}

	g := NewGracePeriodManager(nil, nil)

	dry, err := RunSweep(context.Background(), g, policy, now, true)
	require.NoError(t, err)
	assert.Equal(t, 3, dry.Eligible)
	assert.Equal(t, 0, dry.Finalized)
	assert.Empty(t, finalized, "dry run never finalizes")

	report, err := RunSweep(context.Background(), g, policy, now, false)
	require.NoError(t, err)
	assert.Equal(t, dry.Eligible, report.Eligible)
	assert.Equal(t, 1, report.Finalized)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []string{"old"}, finalized)

	var batch *BatchError
	require.True(t, errors.As(report.Err(), &batch))
	assert.Len(t, batch.Failures, 2)
}

func TestRunSweep_CandidateError(t *testing.T) {
	policy := GracePolicy[markedRow]{
		Name:   "test",
		Window: GraceWindow{Period: time.Hour},
		Candidates: func(context.Context, time.Time) ([]markedRow, error) {
			return nil, ErrStorageUnavailable
		},
	}
	_, err := RunSweep(context.Background(), NewGracePeriodManager(nil, nil), policy, time.Now(), false)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
}

func TestGraceWindow_WarningDue(t *testing.T) {
	w := GraceWindow{Period: 7 * 24 * time.Hour}
	mark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := 48 * time.Hour

	assert.False(t, w.WarningDue(mark, mark.Add(5*24*time.Hour-time.Second), before))
	assert.True(t, w.WarningDue(mark, mark.Add(5*24*time.Hour), before))
	assert.True(t, w.WarningDue(mark, mark.Add(7*24*time.Hour-time.Second), before))
	assert.False(t, w.WarningDue(mark, mark.Add(7*24*time.Hour), before), "expired rows are finalized, not warned")

	now := mark.Add(6 * 24 * time.Hour)
	assert.True(t, w.WarnCutoff(now, before).Equal(mark.Add(24*time.Hour)))
	assert.True(t, w.WarnCutoff(now, 30*24*time.Hour).Equal(now))
}

func TestRunSweep_WarnsOncePerRow(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	window := GraceWindow{Period: 7 * 24 * time.Hour}

	rows := []markedRow{
		{key: "expired", marked: now.Add(-8 * 24 * time.Hour)},
		{key: "closing", marked: now.Add(-6 * 24 * time.Hour)},
		{key: "fresh", marked: now.Add(-time.Hour)},
	}
	var cutoffSeen time.Time
	warned := map[string]bool{}
	var finalized []string

	policy := GracePolicy[markedRow]{
		Name:   "test",
		Window: window,
		Candidates: func(_ context.Context, cutoff time.Time) ([]markedRow, error) {
			cutoffSeen = cutoff
			return rows, nil
		},
		Key:      func(r markedRow) string { return r.key },
		MarkedAt: func(r markedRow) time.Time { return r.marked },
		Finalize: func(_ context.Context, r markedRow) error {
			finalized = append(finalized, r.key)
			return nil
		},
		WarnBefore: 2 * 24 * time.Hour,
		Warned:     func(r markedRow) bool { return warned[r.key] },
		Warn: func(_ context.Context, r markedRow) error {
			warned[r.key] = true
			return nil
		},
	}
	g := NewGracePeriodManager(nil, nil)

	dry, err := RunSweep(context.Background(), g, policy, now, true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Warned)
	assert.Empty(t, warned, "dry run never warns")
	assert.True(t, cutoffSeen.Equal(now.Add(-5*24*time.Hour)))

	report, err := RunSweep(context.Background(), g, policy, now, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Warned)
	assert.Equal(t, []string{"expired"}, finalized)
	assert.Equal(t, map[string]bool{"closing": true}, warned)

	again, err := RunSweep(context.Background(), g, policy, now.Add(time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Warned)
}

func TestRunSweep_WarnFailureIsReported(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	policy := GracePolicy[markedRow]{
		Name:   "test",
		Window: GraceWindow{Period: 7 * 24 * time.Hour},
		Candidates: func(context.Context, time.Time) ([]markedRow, error) {
			return []markedRow{{key: "closing", marked: now.Add(-6 * 24 * time.Hour)}}, nil
		},
		Key:        func(r markedRow) string { return r.key },
		MarkedAt:   func(r markedRow) time.Time { return r.marked },
		WarnBefore: 2 * 24 * time.Hour,
		Warn: func(context.Context, markedRow) error {
			return errors.New("notifier down")
		},
	}

	report, err := RunSweep(context.Background(), NewGracePeriodManager(nil, nil), policy, now, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Warned)
	assert.Equal(t, 1, report.Failed)
	assert.Error(t, report.Err())
}
