package gosubs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultPromptDelay separates consecutive confirmation prompts.
const DefaultPromptDelay = 400 * time.Millisecond

// ErrPromptDeferred is returned by a Prompter when the user postpones the queue.
var ErrPromptDeferred = errors.New("prompt deferred")

// PastDueQueue detects elapsed tracked items and applies user confirmations.
type PastDueQueue struct {
	store  ItemStore
	clock  Clock
	logger Logger
	newID  func() string
}

// NewPastDueQueue creates a queue over store.
func NewPastDueQueue(store ItemStore, clock Clock, logger Logger) *PastDueQueue {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &PastDueQueue{
		store:  store,
		clock:  clock,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
	}
}

// Pending returns the user's past-due items, oldest due date first.
func (q *PastDueQueue) Pending(ctx context.Context, userID string) ([]*RecurringItem, error) {
	items, err := q.store.ListRecurringItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return SortPastDue(items, q.clock.Now()), nil
}

// SortPastDue filters items to the past-due ones and orders them by due date ascending.
// Recurring and one-time items share one queue.
func SortPastDue(items []*RecurringItem, now time.Time) []*RecurringItem {
	out := make([]*RecurringItem, 0, len(items))
	for _, item := range items {
		if IsPastDue(item, now) {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Confirm resolves one past-due prompt for the item. It is the only user-initiated mutation
// of the queue. The past-due check is repeated inside the item transaction, so a second
// confirmation racing the first fails with ErrItemNotPastDue instead of advancing twice.
func (q *PastDueQueue) Confirm(ctx context.Context, userID, itemID string, outcome Outcome) (*PaymentConfirmation, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	now := q.clock.Now()

	var conf *PaymentConfirmation
	err := q.store.UpdateRecurringItem(ctx, itemID, func(item *RecurringItem) (*PaymentConfirmation, error) {
		if item.UserID != userID {
			return nil, ErrItemNotFound
		}
		if !IsPastDue(item, now) {
			return nil, ErrItemNotPastDue
		}
		if outcome == OutcomeDismissed && item.Recurring() {
			return nil, fmt.Errorf("%w: recurring items cannot be dismissed", ErrInvalidOutcome)
		}

		conf = &PaymentConfirmation{
			ID:              q.newID(),
			RecurringItemID: item.ID,
			DueDate:         item.DueDate,
			Outcome:         outcome,
			ConfirmedAt:     now,
		}

		if item.Recurring() {
			next, err := NextDueDate(item.DueDate, item.Interval, item.AnchorDay)
			if err != nil {
				return nil, err
			}
			item.DueDate = next
		} else {
			// one-time items leave the queue after any resolution
			item.Status = ItemCancelled
		}
		item.UpdatedAt = now
		return conf, nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("past-due item confirmed",
		F("user_id", userID), F("item_id", itemID), F("outcome", outcome), F("due_date", conf.DueDate))
	return conf, nil
}

// Prompter asks the user to resolve one past-due item.
type Prompter interface {
	Prompt(ctx context.Context, item *RecurringItem) (Outcome, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, item *RecurringItem) (Outcome, error)

func (f PrompterFunc) Prompt(ctx context.Context, item *RecurringItem) (Outcome, error) {
	return f(ctx, item)
}

// Sequencer presents past-due prompts strictly one at a time per user.
type Sequencer struct {
	queue *PastDueQueue
	delay time.Duration
	group singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSequencer creates a sequencer. A non-positive delay takes DefaultPromptDelay.
func NewSequencer(queue *PastDueQueue, delay time.Duration) *Sequencer {
	if delay <= 0 {
		delay = DefaultPromptDelay
	}
	return &Sequencer{queue: queue, delay: delay, sleep: sleepContext}
}

// Run prompts for the user's past-due items, oldest first, waiting the fixed delay between
// prompts. It returns the number of resolved prompts when the queue is empty or the prompter
// defers. Concurrent calls for the same user join the run already in progress.
func (s *Sequencer) Run(ctx context.Context, userID string, prompter Prompter) (int, error) {
	v, err, _ := s.group.Do(userID, func() (interface{}, error) {
		return s.run(ctx, userID, prompter)
	})
	resolved, _ := v.(int)
	return resolved, err
}

func (s *Sequencer) run(ctx context.Context, userID string, prompter Prompter) (int, error) {
	resolved := 0
	for {
		items, err := s.queue.Pending(ctx, userID)
		if err != nil {
			return resolved, err
		}
		if len(items) == 0 {
			return resolved, nil
		}
		if resolved > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				return resolved, err
			}
		}

		item := items[0]
		outcome, err := prompter.Prompt(ctx, item)
		if errors.Is(err, ErrPromptDeferred) {
			return resolved, nil
		}
		if err != nil {
			return resolved, err
		}

		if _, err := s.queue.Confirm(ctx, userID, item.ID, outcome); err != nil {
			if errors.Is(err, ErrItemNotPastDue) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
