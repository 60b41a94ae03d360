package gosubs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Config configures an Engine. Zero values take defaults in NewEngine.
type Config struct {
	// Providers resolves payment rail adapters by tag.
	Providers *ProviderRegistry

	// Identity deletes the identity record at the end of an account purge (optional).
	Identity IdentityStore

	// RetryQueue holds receipt validations scheduled for a later retry (optional).
	RetryQueue RetryQueue

	// StatusCache caches GetSubscriptionStatus reads (optional).
	StatusCache StatusCache

	Notifier Notifier
	Logger   Logger
	Metrics  Metrics
	Clock    Clock

	// PaymentGrace is the past_due grace window (default: 7 days).
	PaymentGrace time.Duration

	// DeletionGrace is the account deletion recovery window (default: 30 days).
	DeletionGrace time.Duration

	// PaymentGraceWarning and DeletionGraceWarning are how long before each window closes the
	// ending-soon notice is sent (defaults: 2 days and 7 days). Negative disables the notice.
	PaymentGraceWarning  time.Duration
	DeletionGraceWarning time.Duration

	// ProcessingLease is how long a processing claim blocks redeliveries (default: 10 minutes).
	ProcessingLease time.Duration

	// Retry is the policy for outbound provider calls and event processing.
	Retry RetryPolicy

	// Workers and QueueSize size the async dispatcher (defaults: 4 and 256).
	Workers   int
	QueueSize int

	// ProcessTimeout bounds one background event application (default: 1 minute).
	ProcessTimeout time.Duration

	// SyncProcessing applies accepted events inline instead of on the dispatcher.
	SyncProcessing bool

	// PromptDelay separates past-due prompts (default: 400ms).
	PromptDelay time.Duration

	// ReconcileConcurrency bounds concurrent provider fetches during reconciliation (default: 4).
	ReconcileConcurrency int
}

// Engine is the subscription reconciliation and lifecycle engine.
type Engine struct {
	storage Storage
	config  Config

	providers  *ProviderRegistry
	events     *EventStore
	machine    *StateMachine
	ledger     *TransactionLedger
	grace      *GracePeriodManager
	validator  *ReceiptValidator
	pastDue    *PastDueQueue
	sequencer  *Sequencer
	dispatcher *Dispatcher

	paymentGrace  GraceWindow
	deletionGrace GraceWindow

	logger   Logger
	metrics  Metrics
	notifier Notifier
	clock    Clock
}

// NewEngine creates an engine over storage and starts its dispatcher.
func NewEngine(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.Providers == nil {
		config.Providers = NewProviderRegistry()
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Notifier == nil {
		config.Notifier = NoopNotifier{}
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.PaymentGrace == 0 {
		config.PaymentGrace = DefaultPaymentGrace
	}
	if config.DeletionGrace == 0 {
		config.DeletionGrace = DefaultDeletionGrace
	}
	if config.PaymentGraceWarning == 0 {
		config.PaymentGraceWarning = DefaultPaymentGraceWarning
	}
	if config.DeletionGraceWarning == 0 {
		config.DeletionGraceWarning = DefaultDeletionGraceWarning
	}
	if config.ProcessingLease == 0 {
		config.ProcessingLease = DefaultProcessingLease
	}
	if config.ReconcileConcurrency <= 0 {
		config.ReconcileConcurrency = 4
	}

	config.Providers.setMetrics(config.Metrics)

	e := &Engine{
		storage:       storage,
		config:        config,
		providers:     config.Providers,
		events:        NewEventStore(storage, config.ProcessingLease, config.Clock, config.Metrics),
		ledger:        NewTransactionLedger(),
		grace:         NewGracePeriodManager(config.Logger, config.Metrics),
		paymentGrace:  GraceWindow{Period: config.PaymentGrace},
		deletionGrace: GraceWindow{Period: config.DeletionGrace},
		logger:        config.Logger,
		metrics:       config.Metrics,
		notifier:      config.Notifier,
		clock:         config.Clock,
	}
	e.machine = NewStateMachine(e.paymentGrace)
	e.validator = NewReceiptValidator(config.Providers, ReceiptValidatorConfig{
		Policy:  config.Retry,
		Queue:   config.RetryQueue,
		Clock:   config.Clock,
		Logger:  config.Logger,
		Metrics: config.Metrics,
	})
	e.pastDue = NewPastDueQueue(storage, config.Clock, config.Logger)
	e.sequencer = NewSequencer(e.pastDue, config.PromptDelay)

	if !config.SyncProcessing {
		e.dispatcher = NewDispatcher(config.Workers, config.QueueSize, config.ProcessTimeout, e.processAsync)
		e.dispatcher.Start()
	}

	return e, nil
}

// Close drains the dispatcher.
func (e *Engine) Close() error {
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
	return nil
}

// Providers returns the adapter registry.
func (e *Engine) Providers() *ProviderRegistry { return e.providers }

// Validator returns the receipt validator.
func (e *Engine) Validator() *ReceiptValidator { return e.validator }

// Sequencer returns the past-due prompt sequencer.
func (e *Engine) Sequencer() *Sequencer { return e.sequencer }

// Accept records a verified notification and schedules it for processing.
// Duplicates return their RecordResult with a nil error; the caller answers 2xx either way.
func (e *Engine) Accept(ctx context.Context, n *Notification) (RecordResult, error) {
	res, err := e.events.Record(ctx, n)
	if err != nil {
		return "", err
	}
	if res != RecordNew {
		e.logger.Debug("duplicate event ignored",
			F("provider", n.Provider), F("event_id", n.EventID), F("result", res))
		return res, nil
	}

	if e.dispatcher == nil {
		e.processAsync(ctx, n)
		return res, nil
	}

	if err := e.dispatcher.Submit(n); err != nil {
		if relErr := e.events.Release(ctx, n); relErr != nil {
			e.logger.Error("failed to release event claim",
				F("provider", n.Provider), F("event_id", n.EventID), F("error", relErr))
		}
		return "", err
	}
	return res, nil
}

// processAsync applies n with retries and settles its ledger row on failure.
// Failures here are operator-visible only.
func (e *Engine) processAsync(ctx context.Context, n *Notification) {
	policy := e.config.Retry
	policy.Operation = "process_event"
	policy.AttemptTimeout = -1
	policy.IsRetryable = func(err error) bool { return !errors.Is(err, ErrInvalidNotification) }
	policy.OnRetry = func(attempt int, err error, _ time.Duration) {
		e.metrics.RecordRetry(policy.Operation, attempt)
	}

	err := Retry(ctx, policy, func(ctx context.Context) error {
		_, err := e.Process(ctx, n)
		return err
	})
	if err == nil {
		return
	}

	fields := []Field{F("provider", n.Provider), F("event_id", n.EventID), F("type", n.Type), F("error", err)}
	if errors.Is(err, ErrInvalidNotification) {
		e.logger.Warn("event rejected", fields...)
		if rejErr := e.events.Reject(ctx, n, err.Error()); rejErr != nil {
			e.logger.Error("failed to reject event", F("event_id", n.EventID), F("error", rejErr))
		}
		return
	}
	e.logger.Error("event processing failed", fields...)
	if relErr := e.events.Release(context.Background(), n); relErr != nil {
		e.logger.Error("failed to release event claim", F("event_id", n.EventID), F("error", relErr))
	}
}

// Process applies n to its subscription in one aggregate transaction and marks the event
// processed in the same transaction. Stale events return the decision with Stale set and a
// nil error.
func (e *Engine) Process(ctx context.Context, n *Notification) (*Decision, error) {
	start := e.clock.Now()
	now := start

	key := SubscriptionKey{UserID: n.UserID, Provider: n.Provider, SubscriptionRef: n.SubscriptionRef}
	if key.SubscriptionRef == "" && key.UserID == "" {
		return nil, fmt.Errorf("%w: no subscription reference or user", ErrInvalidNotification)
	}

	var decision *Decision
	err := e.storage.UpdateSubscription(ctx, key, func(tx SubscriptionTx) error {
		d, err := e.machine.Transition(tx.Current(), n, now)
		if err != nil {
			return err
		}
		if d.Superseded != nil {
			if err := tx.SaveSubscription(ctx, d.Superseded); err != nil {
				return fmt.Errorf("failed to end superseded subscription: %w", err)
			}
		}
		if d.Next != nil {
			if err := tx.SaveSubscription(ctx, d.Next); err != nil {
				return fmt.Errorf("failed to save subscription: %w", err)
			}
		}
		for _, eff := range d.Effects {
			if _, err := e.ledger.Apply(ctx, tx, eff, now); err != nil {
				return err
			}
		}
		if n.EventID != "" {
			if err := tx.MarkEventProcessed(ctx, n.Provider, n.EventID, now); err != nil {
				return fmt.Errorf("failed to mark event processed: %w", err)
			}
		}
		decision = d
		return nil
	})
	e.metrics.RecordProcessingDuration(string(n.Provider), e.clock.Now().Sub(start), err)
	if err != nil {
		return nil, err
	}

	e.afterCommit(ctx, n, decision)
	return decision, nil
}

func (e *Engine) afterCommit(ctx context.Context, n *Notification, d *Decision) {
	switch {
	case d.Stale:
		e.metrics.RecordStaleEvent(string(n.Provider), string(n.Type))
		e.logger.Debug("stale event ignored",
			F("provider", n.Provider), F("event_id", n.EventID), F("type", n.Type),
			F("error", ErrStateConflict))
	case d.Ignored:
		e.logger.Debug("no transition for event",
			F("provider", n.Provider), F("event_id", n.EventID), F("type", n.Type), F("from", d.From))
	case d.StatusChanged():
		e.metrics.RecordTransition(string(n.Provider), string(d.From), string(d.To))
		e.logger.Info("subscription transitioned",
			F("user_id", d.Next.UserID),
			F("subscription_id", d.Next.ID),
			F("rule", d.Rule),
			F("from", d.From),
			F("to", d.To),
			F("tier", d.ToTier))
	}

	if d.Next != nil {
		e.invalidateStatus(ctx, d.Next.UserID)
	}
	if old := d.Superseded; old != nil {
		e.metrics.RecordTransition(string(old.Provider), string(d.From), string(old.Status))
		e.logger.Info("subscription superseded by another rail",
			F("user_id", old.UserID),
			F("subscription_id", old.ID),
			F("provider", old.Provider),
			F("replaced_by", d.Next.Provider))
		if err := e.providerCancel(ctx, old); err != nil {
			e.logger.Warn("superseded subscription still live at provider",
				F("user_id", old.UserID), F("provider", old.Provider),
				F("subscription_ref", old.ProviderSubscriptionRef), F("error", err))
		}
	}
	for _, eff := range d.Effects {
		if eff.Kind == EffectNotify {
			e.notify(ctx, eff.Notice)
		}
	}
}

func (e *Engine) notify(ctx context.Context, notice *Notice) {
	if err := e.notifier.Notify(ctx, notice); err != nil {
		e.logger.Warn("notification failed",
			F("kind", notice.Kind), F("user_id", notice.UserID), F("error", err))
	}
}

func (e *Engine) invalidateStatus(ctx context.Context, userID string) {
	if e.config.StatusCache == nil || userID == "" {
		return
	}
	if err := e.config.StatusCache.Invalidate(ctx, userID); err != nil {
		e.logger.Warn("status cache invalidation failed", F("user_id", userID), F("error", err))
	}
}

// GetSubscriptionStatus returns the user's tier, status and period end. The engine is the
// sole writer; this is a read-only projection.
func (e *Engine) GetSubscriptionStatus(ctx context.Context, userID string) (*StatusView, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cache := e.config.StatusCache; cache != nil {
		if view, ok, err := cache.Get(ctx, userID); err == nil && ok {
			return view, nil
		} else if err != nil {
			e.logger.Warn("status cache read failed", F("user_id", userID), F("error", err))
		}
	}

	sub, err := e.storage.GetSubscription(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	view := StatusViewOf(userID, sub, e.clock.Now())

	if cache := e.config.StatusCache; cache != nil {
		if err := cache.Set(ctx, view); err != nil {
			e.logger.Warn("status cache write failed", F("user_id", userID), F("error", err))
		}
	}
	return view, nil
}

// StatusViewOf projects sub for collaborators. A nil sub is the free tier.
func StatusViewOf(userID string, sub *Subscription, now time.Time) *StatusView {
	if sub == nil {
		return &StatusView{UserID: userID, Tier: TierFree, Status: StatusFree, Provider: ProviderNone}
	}
	end := sub.CurrentPeriodEnd
	view := &StatusView{
		UserID:   userID,
		Tier:     sub.EffectiveTier(now),
		Status:   sub.Status,
		Provider: sub.Provider,
	}
	if !end.IsZero() {
		view.CurrentPeriodEnd = &end
	}
	return view
}

// SubmitReceipt validates a client receipt and applies the purchase it proves.
// Definitive rejections are returned to the caller; exhausted transient failures are scheduled
// and reported as ErrValidationPending.
func (e *Engine) SubmitReceipt(ctx context.Context, userID string, provider ProviderTag, receipt string) (*ReceiptResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	res, err := e.validator.ValidateOrSchedule(ctx, userID, provider, receipt)
	if err != nil {
		return nil, err
	}
	if err := e.applyReceipt(ctx, userID, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RunReceiptRetries drains due scheduled receipt validations.
func (e *Engine) RunReceiptRetries(ctx context.Context, limit int) (int, error) {
	return e.validator.ProcessDue(ctx, limit, func(ctx context.Context, job *ReceiptJob, res *ReceiptResult) error {
		return e.applyReceipt(ctx, job.UserID, res)
	})
}

func (e *Engine) applyReceipt(ctx context.Context, userID string, res *ReceiptResult) error {
	n := ReceiptNotification(userID, res, e.clock.Now())
	if n == nil {
		e.logger.Info("receipt carries no unexpired product", F("user_id", userID), F("provider", res.Provider))
		return nil
	}

	rec, err := e.events.Record(ctx, n)
	if err != nil {
		return err
	}
	if rec != RecordNew {
		return nil
	}
	if _, err := e.Process(ctx, n); err != nil {
		if relErr := e.events.Release(ctx, n); relErr != nil {
			e.logger.Error("failed to release receipt claim", F("event_id", n.EventID), F("error", relErr))
		}
		return err
	}
	return nil
}

// ReceiptNotification turns the latest unexpired product of a validated receipt into a purchase
// notification. Returns nil when every product has expired.
func ReceiptNotification(userID string, res *ReceiptResult, now time.Time) *Notification {
	p := res.Latest()
	if p == nil || (!p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now)) {
		return nil
	}
	ref := p.OriginalTransactionID
	if ref == "" {
		ref = p.TransactionID
	}
	return &Notification{
		Provider:        res.Provider,
		EventID:         "receipt:" + ref + ":" + strconv.FormatInt(p.ExpiresAt.UnixMilli(), 10),
		RawType:         "RECEIPT",
		Type:            EventPurchased,
		OccurredAt:      p.PurchaseAt,
		UserID:          userID,
		CustomerRef:     res.CustomerRef,
		SubscriptionRef: ref,
		ProductID:       p.ProductID,
		Environment:     res.Environment,
		PeriodStart:     p.PurchaseAt,
		PeriodEnd:       p.ExpiresAt,
		Charge:          &Charge{Ref: p.TransactionID},
	}
}

// PastDueItems returns the user's past-due items in presentation order.
func (e *Engine) PastDueItems(ctx context.Context, userID string) ([]*RecurringItem, error) {
	return e.pastDue.Pending(ctx, userID)
}

// ConfirmPastDueItem resolves one past-due prompt.
func (e *Engine) ConfirmPastDueItem(ctx context.Context, userID, itemID string, outcome Outcome) (*PaymentConfirmation, error) {
	return e.pastDue.Confirm(ctx, userID, itemID, outcome)
}

// TrackItem stores a tracked recurring or one-time item for the user.
func (e *Engine) TrackItem(ctx context.Context, item *RecurringItem) error {
	if item == nil || item.ID == "" || item.UserID == "" {
		return fmt.Errorf("item id and user id are required")
	}
	now := e.clock.Now()
	if item.Interval == "" {
		item.Interval = IntervalNone
	}
	if item.Status == "" {
		item.Status = ItemActive
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	return e.storage.SaveRecurringItem(ctx, item)
}
