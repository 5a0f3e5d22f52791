// Package digest ties buffers, trigger policy, completion and persistence
// together. The Coordinator is the one place where summaries are claimed, so
// each conversation has at most one summary running at any time.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/chatdigest/internal/buffer"
	"github.com/basket/chatdigest/internal/bus"
	"github.com/basket/chatdigest/internal/engine"
	"github.com/basket/chatdigest/internal/otel"
	"github.com/basket/chatdigest/internal/persistence"
	"github.com/basket/chatdigest/internal/shared"
	"github.com/basket/chatdigest/internal/trigger"
)

const (
	defaultPoolSize   = 4
	defaultTimeout    = 60 * time.Second
	finalSaveTimeout  = 10 * time.Second
	abortWaitDuration = 2 * time.Second
)

// Inbound is one message as delivered by a transport.
type Inbound struct {
	ConversationID string
	Sender         string
	Text           string
	Timestamp      time.Time
}

// Sender posts text back into a conversation.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// Status is a point-in-time view of one conversation.
type Status struct {
	ConversationID  string     `json:"conversation_id"`
	Pending         int        `json:"pending"`
	Buffered        int        `json:"buffered"`
	LastSummaryAt   *time.Time `json:"last_summary_at,omitempty"`
	LastScheduledAt *time.Time `json:"last_scheduled_at,omitempty"`
	InFlight        bool       `json:"in_flight"`
	RunID           string     `json:"run_id,omitempty"`
}

// Config holds the coordinator's collaborators. Store is required; every
// other field has a usable zero value.
type Config struct {
	Store  *buffer.Store
	Policy trigger.Policy
	Style  string
	// Completer may be nil, in which case triggers report ErrNoProvider.
	Completer engine.Completer
	Sender    Sender
	// Gateway may be nil to keep state in memory only.
	Gateway persistence.Gateway
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	MaxConcurrent     int
	CompletionTimeout time.Duration
	MaxMessageChars   int
	RetryFailedWindow bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

// run is one claimed summarization.
type run struct {
	id      string
	runID   string
	traceID string
	reason  trigger.Reason
	window  []buffer.Message
	pending int
	claimed time.Time
}

// Coordinator owns the trigger choke point. All methods are safe for
// concurrent use.
type Coordinator struct {
	store   *buffer.Store
	gateway persistence.Gateway
	sender  Sender
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	timeout  time.Duration
	maxChars int
	retry    bool
	now      func() time.Time

	pool   *ants.PoolWithFunc
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	cfgMu     sync.RWMutex
	policy    trigger.Policy
	style     string
	completer engine.Completer

	// mu guards the fields below. It is always taken after a conversation
	// lock, never before.
	mu         sync.Mutex
	inFlight   map[string]string
	noProvider map[string]bool
	closed     bool

	saveMu  sync.Mutex
	storeOK atomic.Bool
}

// New builds a coordinator and its worker pool.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("digest: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(otel.TracerName)
	}
	size := cfg.MaxConcurrent
	if size <= 0 {
		size = defaultPoolSize
	}
	timeout := cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxChars := cfg.MaxMessageChars
	if maxChars <= 0 {
		maxChars = buffer.DefaultMaxTextRunes
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		sender:     cfg.Sender,
		bus:        cfg.Bus,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger,
		timeout:    timeout,
		maxChars:   maxChars,
		retry:      cfg.RetryFailedWindow,
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
		policy:     cfg.Policy.Normalize(cfg.Store.Capacity()),
		style:      cfg.Style,
		completer:  cfg.Completer,
		inFlight:   make(map[string]string),
		noProvider: make(map[string]bool),
	}
	c.storeOK.Store(true)

	pool, err := ants.NewPoolWithFunc(size, func(arg any) {
		r, ok := arg.(*run)
		if !ok {
			panic("digest pool args type error")
		}
		defer c.wg.Done()
		c.execute(r)
	}, ants.WithPanicHandler(func(p any) {
		logger.Error("summary worker panic", "panic", p)
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create summary pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

// SetPolicy swaps the trigger policy and prompt style. Runs already claimed
// keep the settings they started with.
func (c *Coordinator) SetPolicy(p trigger.Policy, style string) {
	c.cfgMu.Lock()
	c.policy = p.Normalize(c.store.Capacity())
	c.style = style
	c.cfgMu.Unlock()
}

// SetCompleter swaps the completion backend and clears the once-per-
// conversation no-provider notices.
func (c *Coordinator) SetCompleter(comp engine.Completer) {
	c.cfgMu.Lock()
	c.completer = comp
	c.cfgMu.Unlock()
	c.mu.Lock()
	clear(c.noProvider)
	c.mu.Unlock()
}

// Policy returns the active trigger policy.
func (c *Coordinator) Policy() trigger.Policy {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.policy
}

func (c *Coordinator) settings() (trigger.Policy, string, engine.Completer) {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.policy, c.style, c.completer
}

// HandleMessage buffers one inbound message and evaluates the message
// triggers. Command messages are not buffered; they trigger a manual summary
// and get a short reply. Expected trigger outcomes such as an in-flight run
// are handled here and not returned.
func (c *Coordinator) HandleMessage(ctx context.Context, in Inbound) error {
	if in.ConversationID == "" {
		return errors.New("digest: inbound message without conversation id")
	}
	policy, _, _ := c.settings()

	if policy.IsCommand(in.Text) {
		err := c.attempt(ctx, in.ConversationID, c.now(), true, func(p trigger.Policy, st trigger.State) trigger.Decision {
			return p.OnManual(in.ConversationID, st)
		})
		switch {
		case errors.Is(err, ErrEmptyWindow):
			c.reply(ctx, in.ConversationID, EmptyText)
			return nil
		case errors.Is(err, ErrInFlight):
			c.reply(ctx, in.ConversationID, InFlightText)
			return nil
		case errors.Is(err, ErrNoProvider):
			return nil
		}
		return err
	}

	msg := buffer.NewMessage(in.Timestamp, in.Sender, in.Text, c.maxChars)
	var (
		d   trigger.Decision
		r   *run
		err error
	)
	c.store.Update(in.ConversationID, func(b *buffer.Buffer) {
		b.Append(msg)
		p, _, comp := c.settings()
		d = p.OnCount(in.ConversationID, stateOf(b))
		if d.Outcome == trigger.OutcomeNone {
			return
		}
		r, err = c.claimLocked(b, d, comp, c.now())
	})
	c.metrics.MessagesBuffered.Add(ctx, 1)

	err = c.dispatch(ctx, d, r, err, false)
	if errors.Is(err, ErrInFlight) || errors.Is(err, ErrNoProvider) {
		return nil
	}
	return err
}

// Trigger requests a summary for one conversation outside the message path,
// e.g. from the HTTP API. It returns nil once a run is claimed, or one of
// ErrEmptyWindow, ErrInFlight, ErrNoProvider and ErrShuttingDown.
func (c *Coordinator) Trigger(ctx context.Context, id string, reason trigger.Reason) error {
	return c.attempt(ctx, id, c.now(), false, func(p trigger.Policy, st trigger.State) trigger.Decision {
		d := p.OnManual(id, st)
		d.Reason = reason
		return d
	})
}

// RunScheduled evaluates the daily trigger for every conversation at now. It
// does nothing unless the policy is in daily mode. A failure in one
// conversation does not affect the others.
func (c *Coordinator) RunScheduled(ctx context.Context, now time.Time) {
	if p, _, _ := c.settings(); p.Mode != trigger.ModeDaily {
		c.logger.DebugContext(ctx, "scheduled pass ignored outside daily mode", "mode", p.Mode)
		return
	}
	ids := c.store.IDs()
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		err := c.attempt(ctx, id, now, false, func(p trigger.Policy, st trigger.State) trigger.Decision {
			return p.OnSchedule(id, st, now)
		})
		switch {
		case err == nil, errors.Is(err, ErrInFlight), errors.Is(err, ErrNoProvider), errors.Is(err, ErrEmptyWindow):
		case errors.Is(err, ErrShuttingDown):
			return
		default:
			c.logger.Error("scheduled summary failed to start", "conversation_id", id, "error", err)
		}
	}
	c.logger.Info("scheduled pass complete", "conversations", len(ids), "evaluated_at", now)
}

// Tick flushes unsaved state. It is the scheduler's periodic hook.
func (c *Coordinator) Tick(ctx context.Context, _ time.Time) {
	if err := c.Flush(ctx); err != nil {
		c.logger.Error("periodic save failed", "error", err)
	}
}

// attempt evaluates decide under the conversation lock and dispatches a
// claimed run stamped with at. Unknown conversations count as empty.
func (c *Coordinator) attempt(ctx context.Context, id string, at time.Time, ack bool, decide func(trigger.Policy, trigger.State) trigger.Decision) error {
	var (
		d   trigger.Decision
		r   *run
		err error
	)
	found := c.store.View(id, func(b *buffer.Buffer) {
		p, _, comp := c.settings()
		d = decide(p, stateOf(b))
		if d.Outcome == trigger.OutcomeNone {
			return
		}
		r, err = c.claimLocked(b, d, comp, at)
	})
	if !found {
		d = trigger.Decision{ConversationID: id, Reason: trigger.ReasonManual, Outcome: trigger.OutcomeEmpty}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			err = ErrShuttingDown
		} else {
			err = ErrEmptyWindow
		}
	}
	if r != nil {
		c.store.MarkDirty()
	}
	return c.dispatch(ctx, d, r, err, ack)
}

// claimLocked runs with the conversation lock held. It checks the in-flight
// set, then takes the window and resets the pending count. A returned run
// holds a wg slot that execute or dispatch releases.
func (c *Coordinator) claimLocked(b *buffer.Buffer, d trigger.Decision, comp engine.Completer, now time.Time) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShuttingDown
	}
	if _, busy := c.inFlight[b.ID]; busy {
		return nil, ErrInFlight
	}
	if d.Outcome == trigger.OutcomeEmpty {
		return nil, ErrEmptyWindow
	}
	if comp == nil {
		return nil, ErrNoProvider
	}

	r := &run{
		id:      b.ID,
		runID:   shared.NewRunID(),
		reason:  d.Reason,
		pending: b.Pending,
		claimed: now,
	}
	r.window = b.Claim(d.WindowSize)
	if d.Reason == trigger.ReasonScheduled {
		b.MarkScheduled(now)
	}
	c.inFlight[b.ID] = r.runID
	// Counted under mu so Close, which sets closed under mu before waiting,
	// always waits for runs claimed before it.
	c.wg.Add(1)
	return r, nil
}

// dispatch reports the claim outcome and hands a claimed run to the pool.
func (c *Coordinator) dispatch(ctx context.Context, d trigger.Decision, r *run, err error, ack bool) error {
	if d.Outcome == trigger.OutcomeNone && r == nil && err == nil {
		return nil
	}
	if err != nil {
		c.skipped(ctx, d, err)
		return err
	}

	r.traceID = shared.TraceID(ctx)
	if r.traceID == "-" {
		r.traceID = shared.NewTraceID()
	}
	c.metrics.SummaryTriggered.Add(ctx, 1, otel.WithReason(string(r.reason)))
	c.bus.Publish(bus.TopicSummaryClaimed, bus.SummaryEvent{
		RunID:          r.runID,
		ConversationID: r.id,
		Reason:         string(r.reason),
		WindowSize:     len(r.window),
	})
	c.logger.InfoContext(ctx, "summary claimed",
		"conversation_id", r.id,
		"run_id", r.runID,
		"reason", r.reason,
		"window_size", len(r.window),
	)
	if ack {
		c.reply(ctx, r.id, AckText)
	}

	if perr := c.pool.Invoke(r); perr != nil {
		c.unclaim(r)
		c.wg.Done()
		return fmt.Errorf("submit summary: %w", perr)
	}
	return nil
}

// unclaim gives back a run that never reached a worker.
func (c *Coordinator) unclaim(r *run) {
	c.store.Update(r.id, func(b *buffer.Buffer) {
		b.Restore(r.pending)
		c.mu.Lock()
		delete(c.inFlight, r.id)
		c.mu.Unlock()
	})
	c.logger.Warn("claimed summary could not be started", "conversation_id", r.id, "run_id", r.runID)
}

func (c *Coordinator) skipped(ctx context.Context, d trigger.Decision, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrInFlight):
		outcome = "in_flight"
	case errors.Is(err, ErrEmptyWindow):
		outcome = "empty"
	case errors.Is(err, ErrShuttingDown):
		outcome = "shutting_down"
	case errors.Is(err, ErrNoProvider):
		outcome = "no_provider"
		c.reportNoProvider(ctx, d.ConversationID)
	}
	c.metrics.SummarySkipped.Add(ctx, 1, otel.WithOutcome(outcome))
	c.bus.Publish(bus.TopicSummarySkipped, bus.SummaryEvent{
		ConversationID: d.ConversationID,
		Reason:         string(d.Reason),
		Outcome:        outcome,
	})
	c.logger.Debug("summary not started", "conversation_id", d.ConversationID, "reason", d.Reason, "outcome", outcome)
}

// reportNoProvider posts the missing-provider notice once per conversation.
func (c *Coordinator) reportNoProvider(ctx context.Context, id string) {
	c.mu.Lock()
	seen := c.noProvider[id]
	c.noProvider[id] = true
	c.mu.Unlock()
	if seen {
		return
	}
	c.logger.Warn("summary requested but no completion provider is configured", "conversation_id", id)
	c.reply(ctx, id, FailureNotice(engine.Reason(ErrNoProvider)))
}

// execute runs on a pool worker: completion, reply, state update, save.
func (c *Coordinator) execute(r *run) {
	ctx := shared.WithTraceID(c.ctx, r.traceID)
	ctx = shared.WithRunID(shared.WithConversationID(ctx, r.id), r.runID)
	logger := c.logger.With("reason", r.reason)
	start := time.Now()

	c.metrics.SummaryInFlight.Add(ctx, 1)
	defer c.metrics.SummaryInFlight.Add(ctx, -1)

	_, style, comp := c.settings()
	text, err := c.complete(ctx, comp, style, r)

	event := bus.SummaryEvent{
		RunID:          r.runID,
		ConversationID: r.id,
		Reason:         string(r.reason),
		WindowSize:     len(r.window),
	}
	if err == nil {
		if serr := c.send(ctx, r.id, FormatSummary(r.reason, text)); serr != nil {
			logger.ErrorContext(ctx, "summary generated but could not be posted", "error", serr)
		}
		c.release(r, true)
		event.DurationMS = time.Since(start).Milliseconds()
		c.bus.Publish(bus.TopicSummaryCompleted, event)
		logger.InfoContext(ctx, "summary completed", "window_size", len(r.window), "duration_ms", event.DurationMS)
	} else {
		reason := failureReason(err)
		c.metrics.SummaryFailed.Add(ctx, 1, otel.WithReason(reason))
		switch {
		case c.ctx.Err() != nil:
			logger.WarnContext(ctx, "summary aborted by shutdown", "error", err)
		case errors.Is(err, ErrNoProvider):
			c.reportNoProvider(ctx, r.id)
		default:
			if serr := c.send(ctx, r.id, FailureNotice(reason)); serr != nil {
				logger.ErrorContext(ctx, "failure notice could not be posted", "error", serr)
			}
		}
		c.release(r, false)
		event.Error = reason
		event.DurationMS = time.Since(start).Milliseconds()
		c.bus.Publish(bus.TopicSummaryFailed, event)
		logger.ErrorContext(ctx, "summary failed", "error", err, "duration_ms", event.DurationMS)
	}

	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
		defer cancel()
	}
	if serr := c.Flush(saveCtx); serr != nil {
		logger.ErrorContext(ctx, "save after summary failed", "error", serr)
	}
}

func (c *Coordinator) complete(ctx context.Context, comp engine.Completer, style string, r *run) (string, error) {
	if comp == nil {
		return "", ErrNoProvider
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "summary.complete",
		otel.AttrConversationID.String(r.id),
		otel.AttrRunID.String(r.runID),
		otel.AttrReason.String(string(r.reason)),
		otel.AttrWindowSize.Int(len(r.window)),
	)
	defer span.End()

	start := time.Now()
	out, err := comp.Complete(ctx, BuildPrompt(style, r.window), r.id)
	otel.RecordDuration(ctx, c.metrics.CompletionDuration, start)
	if err == nil && out == "" {
		err = &CompletionError{Reason: "empty response", Err: errEmptyCompletion}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrNoProvider) {
			return "", err
		}
		var ce *CompletionError
		if errors.As(err, &ce) {
			return "", err
		}
		return "", &CompletionError{Reason: engine.Reason(err), Err: err}
	}
	return out, nil
}

func failureReason(err error) string {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return engine.Reason(err)
}

// release ends a run under the conversation lock: success stamps the
// summary time; failure optionally re-credits the window.
func (c *Coordinator) release(r *run, ok bool) {
	c.store.Update(r.id, func(b *buffer.Buffer) {
		if ok {
			b.MarkSummarized(c.now())
		} else if c.retry {
			b.Restore(r.pending)
		}
		c.mu.Lock()
		delete(c.inFlight, r.id)
		c.mu.Unlock()
	})
}

func (c *Coordinator) send(ctx context.Context, id, text string) error {
	if c.sender == nil {
		c.logger.Debug("no sender configured, dropping reply", "conversation_id", id)
		return nil
	}
	return c.sender.Send(ctx, id, text)
}

func (c *Coordinator) reply(ctx context.Context, id, text string) {
	if err := c.send(ctx, id, text); err != nil {
		c.logger.Warn("reply failed", "conversation_id", id, "error", err)
	}
}

// Status reports one conversation. The second result is false for unknown
// conversations.
func (c *Coordinator) Status(id string) (Status, bool) {
	var st Status
	found := c.store.View(id, func(b *buffer.Buffer) {
		st = Status{
			ConversationID:  id,
			Pending:         b.Pending,
			Buffered:        len(b.Messages),
			LastSummaryAt:   copyTime(b.LastSummaryAt),
			LastScheduledAt: copyTime(b.LastScheduledAt),
		}
		c.mu.Lock()
		st.RunID, st.InFlight = c.inFlight[id]
		c.mu.Unlock()
	})
	return st, found
}

// Recent returns up to k of the most recent buffered messages without
// touching pending counts. k <= 0 means the active policy's threshold.
func (c *Coordinator) Recent(id string, k int) ([]buffer.Message, bool) {
	if k <= 0 {
		p, _, _ := c.settings()
		k = p.Threshold
	}
	return c.store.Snapshot(id, min(k, c.store.Capacity()))
}

// Statuses reports every conversation, sorted by ID.
func (c *Coordinator) Statuses() []Status {
	out := make([]Status, 0, c.store.Len())
	for _, id := range c.store.IDs() {
		if st, ok := c.Status(id); ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// InFlight returns the number of running summaries.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// StoreOK reports whether the last save succeeded.
func (c *Coordinator) StoreOK() bool {
	return c.storeOK.Load()
}

// Load replaces the store with the gateway's saved state. Malformed state is
// logged and whatever could be decoded is kept.
func (c *Coordinator) Load(ctx context.Context) error {
	if c.gateway == nil {
		return nil
	}
	records, err := c.gateway.Load(ctx)
	if records != nil {
		c.store.Replace(records)
	}
	if err != nil {
		c.logger.Error("saved state could not be loaded completely", "error", err, "conversations", len(records))
		return err
	}
	c.logger.Info("saved state loaded", "conversations", len(records))
	return nil
}

// Flush saves the store if it changed since the last save. Saves are
// serialized; a failed save leaves the store dirty for the next attempt.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.gateway == nil {
		c.store.TakeDirty()
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if !c.store.TakeDirty() {
		return nil
	}

	records := c.store.Records()
	ctx, span := otel.StartSpan(ctx, c.tracer, "store.save", otel.AttrConversations.Int(len(records)))
	defer span.End()

	start := time.Now()
	err := c.gateway.Save(ctx, records)
	otel.RecordDuration(ctx, c.metrics.PersistDuration, start)
	event := bus.StoreEvent{Conversations: len(records), DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		c.store.MarkDirty()
		c.storeOK.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		event.Error = err.Error()
		c.bus.Publish(bus.TopicStoreFailed, event)
		return fmt.Errorf("save store: %w", err)
	}
	c.storeOK.Store(true)
	c.bus.Publish(bus.TopicStoreSaved, event)
	return nil
}

// Wait blocks until no summary is running.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops accepting triggers, waits for running summaries until ctx is
// done, aborts whatever is left and saves the store one last time.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if !waitContext(ctx, &c.wg) {
		c.logger.Warn("shutdown drain timed out, aborting running summaries", "in_flight", c.InFlight())
		c.cancel()
		abortCtx, abortCancel := context.WithTimeout(context.Background(), abortWaitDuration)
		waitContext(abortCtx, &c.wg)
		abortCancel()
	}
	c.cancel()
	c.pool.Release()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
	defer cancel()
	c.store.MarkDirty()
	return c.Flush(saveCtx)
}

// waitContext reports whether wg finished before ctx was done.
func waitContext(ctx context.Context, wg *sync.WaitGroup) bool {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-ctx.Done():
		return false
	}
}

func stateOf(b *buffer.Buffer) trigger.State {
	return trigger.State{
		Pending:         b.Pending,
		Buffered:        len(b.Messages),
		LastSummaryAt:   b.LastSummaryAt,
		LastScheduledAt: b.LastScheduledAt,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
