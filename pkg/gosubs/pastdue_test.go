package gosubs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func track(t *testing.T, env *testEnv, id string, due time.Time, interval gosubs.Interval) {
	t.Helper()
	err := env.engine.TrackItem(context.Background(), &gosubs.RecurringItem{
		ID: id, UserID: "user1", Name: id, Amount: 1299, Currency: "usd", DueDate: due, Interval: interval,
	})
	require.NoError(t, err)
}

func TestPastDue_OrderedByDueDate(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Set(day(2024, 1, 15))

	track(t, env, "netflix", day(2024, 1, 1), gosubs.IntervalMonthly)
	track(t, env, "gym", day(2024, 1, 3), gosubs.IntervalMonthly)
	track(t, env, "parking", day(2024, 1, 2), gosubs.IntervalNone)
	track(t, env, "future", day(2024, 1, 20), gosubs.IntervalMonthly)
	track(t, env, "today", day(2024, 1, 15), gosubs.IntervalMonthly)

	items, err := env.engine.PastDueItems(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "netflix", items[0].ID)
	assert.Equal(t, "parking", items[1].ID)
	assert.Equal(t, "gym", items[2].ID)
}

func TestPastDue_ConfirmAdvancesFromDueDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.clock.Set(time.Date(2024, 1, 20, 18, 30, 0, 0, time.UTC))

	track(t, env, "netflix", day(2024, 1, 15), gosubs.IntervalMonthly)

	conf, err := env.engine.ConfirmPastDueItem(ctx, "user1", "netflix", gosubs.OutcomePaid)
	require.NoError(t, err)
	assert.True(t, conf.DueDate.Equal(day(2024, 1, 15)))
	assert.Equal(t, gosubs.OutcomePaid, conf.Outcome)

	item, err := env.storage.GetRecurringItem(ctx, "netflix")
	require.NoError(t, err)
	assert.True(t, item.DueDate.Equal(day(2024, 2, 15)), "got %s", item.DueDate)

	// a second confirmation cannot advance twice
	_, err = env.engine.ConfirmPastDueItem(ctx, "user1", "netflix", gosubs.OutcomePaid)
	assert.True(t, errors.Is(err, gosubs.ErrItemNotPastDue))

	confs, err := env.storage.ListConfirmations(ctx, "netflix")
	require.NoError(t, err)
	assert.Len(t, confs, 1)
}

func TestPastDue_ConcurrentConfirmationsAdvanceOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.clock.Set(day(2024, 1, 20))
	track(t, env, "netflix", day(2024, 1, 15), gosubs.IntervalMonthly)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.ConfirmPastDueItem(ctx, "user1", "netflix", gosubs.OutcomeSkipped); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	item, err := env.storage.GetRecurringItem(ctx, "netflix")
	require.NoError(t, err)
	assert.True(t, item.DueDate.Equal(day(2024, 2, 15)))
}

func TestPastDue_Outcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.clock.Set(day(2024, 1, 20))

	track(t, env, "netflix", day(2024, 1, 15), gosubs.IntervalMonthly)
	track(t, env, "concert", day(2024, 1, 10), gosubs.IntervalNone)
	track(t, env, "parking", day(2024, 1, 11), gosubs.IntervalNone)

	_, err := env.engine.ConfirmPastDueItem(ctx, "user1", "netflix", gosubs.OutcomeDismissed)
	assert.True(t, errors.Is(err, gosubs.ErrInvalidOutcome))

	_, err = env.engine.ConfirmPastDueItem(ctx, "user1", "netflix", gosubs.Outcome("maybe"))
	assert.True(t, errors.Is(err, gosubs.ErrInvalidOutcome))

	_, err = env.engine.ConfirmPastDueItem(ctx, "user2", "netflix", gosubs.OutcomePaid)
	assert.True(t, errors.Is(err, gosubs.ErrItemNotFound))

	_, err = env.engine.ConfirmPastDueItem(ctx, "user1", "missing", gosubs.OutcomePaid)
	assert.True(t, errors.Is(err, gosubs.ErrItemNotFound))

	_, err = env.engine.ConfirmPastDueItem(ctx, "user1", "concert", gosubs.OutcomeDismissed)
	require.NoError(t, err)
	_, err = env.engine.ConfirmPastDueItem(ctx, "user1", "parking", gosubs.OutcomePaid)
	require.NoError(t, err)

	for _, id := range []string{"concert", "parking"} {
		item, err := env.storage.GetRecurringItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, gosubs.ItemCancelled, item.Status, id)
	}

	items, err := env.engine.PastDueItems(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "netflix", items[0].ID)
}

func TestSequencer_PresentsOneAtATimeInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.clock.Set(day(2024, 1, 15))

	track(t, env, "a", day(2024, 1, 1), gosubs.IntervalMonthly)
	track(t, env, "c", day(2024, 1, 3), gosubs.IntervalMonthly)
	track(t, env, "b", day(2024, 1, 2), gosubs.IntervalMonthly)

	var prompted []string
	resolved, err := env.engine.Sequencer().Run(ctx, "user1", gosubs.PrompterFunc(
		func(_ context.Context, item *gosubs.RecurringItem) (gosubs.Outcome, error) {
			prompted = append(prompted, item.ID)
			return gosubs.OutcomePaid, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 3, resolved)
	assert.Equal(t, []string{"a", "b", "c"}, prompted)

	items, err := env.engine.PastDueItems(ctx, "user1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSequencer_StopsWhenDeferred(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.clock.Set(day(2024, 1, 15))

	track(t, env, "a", day(2024, 1, 1), gosubs.IntervalMonthly)
	track(t, env, "b", day(2024, 1, 2), gosubs.IntervalMonthly)

	calls := 0
	resolved, err := env.engine.Sequencer().Run(ctx, "user1", gosubs.PrompterFunc(
		func(context.Context, *gosubs.RecurringItem) (gosubs.Outcome, error) {
			calls++
			if calls == 2 {
				return "", gosubs.ErrPromptDeferred
			}
			return gosubs.OutcomeSkipped, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	items, err := env.engine.PastDueItems(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}
