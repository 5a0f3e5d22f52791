package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/chatdigest/internal/buffer"
	"github.com/basket/chatdigest/internal/bus"
	"github.com/basket/chatdigest/internal/trigger"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type completeCall struct {
	prompt string
	hint   string
}

// fakeCompleter records calls and tracks how many run at once per
// conversation.
type fakeCompleter struct {
	mu        sync.Mutex
	calls     []completeCall
	active    map[string]int
	maxActive int
	fn        func(ctx context.Context, prompt, hint string) (string, error)
}

func newFakeCompleter(fn func(ctx context.Context, prompt, hint string) (string, error)) *fakeCompleter {
	if fn == nil {
		fn = func(context.Context, string, string) (string, error) { return "all good", nil }
	}
	return &fakeCompleter{active: make(map[string]int), fn: fn}
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt, hint string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, completeCall{prompt: prompt, hint: hint})
	f.active[hint]++
	f.maxActive = max(f.maxActive, f.active[hint])
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[hint]--
		f.mu.Unlock()
	}()
	return f.fn(ctx, prompt, hint)
}

func (f *fakeCompleter) Calls() []completeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completeCall(nil), f.calls...)
}

func (f *fakeCompleter) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type sent struct {
	id   string
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (s *fakeSender) Send(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{id: id, text: text})
	return nil
}

func (s *fakeSender) Texts(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		if m.id == id {
			out = append(out, m.text)
		}
	}
	return out
}

type memGateway struct {
	mu    sync.Mutex
	saves int
	last  map[string]buffer.Record
	err   error
}

func (g *memGateway) Load(context.Context) (map[string]buffer.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, nil
}

func (g *memGateway) Save(_ context.Context, records map[string]buffer.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.saves++
	g.last = records
	return nil
}

func (g *memGateway) Close() error { return nil }

func (g *memGateway) Saves() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saves
}

type harness struct {
	c      *Coordinator
	comp   *fakeCompleter
	sender *fakeSender
	gw     *memGateway
	bus    *bus.Bus
}

func newHarness(t *testing.T, policy trigger.Policy, comp *fakeCompleter, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{comp: comp, sender: &fakeSender{}, gw: &memGateway{}, bus: bus.New()}
	cfg := Config{
		Store:             buffer.NewStore(100),
		Policy:            policy,
		Style:             "concise",
		Sender:            h.sender,
		Gateway:           h.gw,
		Bus:               h.bus,
		MaxConcurrent:     4,
		CompletionTimeout: 2 * time.Second,
	}
	if comp != nil {
		cfg.Completer = comp
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	h.c = c
	return h
}

func (h *harness) say(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := h.c.HandleMessage(context.Background(), Inbound{
			ConversationID: id,
			Sender:         fmt.Sprintf("user%d", i%2),
			Text:           fmt.Sprintf("line %d", i),
		})
		if err != nil {
			t.Fatalf("handle message: %v", err)
		}
	}
}

func TestHandleMessage_CountThresholdFires(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 3, Mode: trigger.ModeImmediate}, newFakeCompleter(nil), nil)

	h.say(t, "G1", 2)
	if len(h.comp.Calls()) != 0 {
		t.Fatal("below threshold must not call the completer")
	}
	h.say(t, "G1", 1)
	h.c.Wait()

	calls := h.comp.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].hint != "G1" {
		t.Fatalf("session hint = %q", calls[0].hint)
	}
	want := "Write a summary of the following group chat in a concise style.\nuser0: line 0\nuser1: line 1\nuser0: line 0"
	if calls[0].prompt != want {
		t.Fatalf("prompt = %q\nwant %q", calls[0].prompt, want)
	}

	texts := h.sender.Texts("G1")
	if len(texts) != 1 || texts[0] != "[Live chat summary]\nall good" {
		t.Fatalf("sent = %q", texts)
	}
	st, ok := h.c.Status("G1")
	if !ok || st.Pending != 0 || st.Buffered != 3 || st.LastSummaryAt == nil || st.InFlight {
		t.Fatalf("unexpected status: %+v", st)
	}
	if h.gw.Saves() == 0 {
		t.Fatal("completed summary must persist")
	}
}

func TestHandleMessage_ThresholdFiveOverTenMessages(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 5}, newFakeCompleter(nil), nil)
	for i := 0; i < 10; i++ {
		h.say(t, "G1", 1)
		h.c.Wait()
	}
	if got := len(h.comp.Calls()); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	st, _ := h.c.Status("G1")
	if st.Pending != 0 || st.Buffered != 10 {
		t.Fatalf("status = %+v", st)
	}
}

func TestTrigger_AtMostOneInFlight(t *testing.T) {
	release := make(chan struct{})
	comp := newFakeCompleter(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	h := newHarness(t, trigger.Policy{Threshold: 50}, comp, nil)
	h.say(t, "G1", 4)

	if err := h.c.Trigger(context.Background(), "G1", trigger.ReasonManual); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(comp.Calls()) == 1 })

	h.say(t, "G1", 2)
	for i := 0; i < 3; i++ {
		if err := h.c.Trigger(context.Background(), "G1", trigger.ReasonManual); !errors.Is(err, ErrInFlight) {
			t.Fatalf("trigger while running: got %v, want ErrInFlight", err)
		}
	}
	st, _ := h.c.Status("G1")
	if !st.InFlight || st.RunID == "" || st.Pending != 2 {
		t.Fatalf("status while running = %+v", st)
	}

	close(release)
	h.c.Wait()
	if got := len(comp.Calls()); got != 1 {
		t.Fatalf("rejected triggers must not call the completer, calls = %d", got)
	}

	if err := h.c.Trigger(context.Background(), "G1", trigger.ReasonManual); err != nil {
		t.Fatalf("trigger after completion: %v", err)
	}
	h.c.Wait()
	if got := len(comp.Calls()); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestHandleMessage_ConcurrentSendersSingleRun(t *testing.T) {
	comp := newFakeCompleter(func(context.Context, string, string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	})
	h := newHarness(t, trigger.Policy{Threshold: 5}, comp, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = h.c.HandleMessage(context.Background(), Inbound{
					ConversationID: "G1",
					Sender:         fmt.Sprintf("w%d", w),
					Text:           fmt.Sprintf("msg %d", i),
				})
			}
		}(w)
	}
	wg.Wait()
	h.c.Wait()

	if got := comp.MaxActive(); got != 1 {
		t.Fatalf("max concurrent runs for one conversation = %d, want 1", got)
	}
	st, _ := h.c.Status("G1")
	if st.Buffered != 100 {
		t.Fatalf("buffered = %d, want capacity 100", st.Buffered)
	}
}

func TestTrigger_EmptyWindow(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 10}, newFakeCompleter(nil), nil)

	if err := h.c.Trigger(context.Background(), "nobody", trigger.ReasonManual); !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("unknown conversation: got %v", err)
	}
	h.say(t, "G1", 2)
	if err := h.c.Trigger(context.Background(), "G1", trigger.ReasonManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.c.Wait()
	if err := h.c.Trigger(context.Background(), "G1", trigger.ReasonManual); !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("nothing new: got %v", err)
	}
	if got := len(h.comp.Calls()); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestHandleMessage_CommandReplies(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 10, Command: "/summary", TriggerPhrase: "sum it up"}, newFakeCompleter(nil), nil)
	ctx := context.Background()

	if err := h.c.HandleMessage(ctx, Inbound{ConversationID: "G1", Sender: "ann", Text: "/summary"}); err != nil {
		t.Fatalf("command: %v", err)
	}
	if texts := h.sender.Texts("G1"); len(texts) != 1 || texts[0] != EmptyText {
		t.Fatalf("empty command reply = %q", texts)
	}

	h.say(t, "G1", 3)
	if err := h.c.HandleMessage(ctx, Inbound{ConversationID: "G1", Sender: "ann", Text: "/summary@digest_bot now"}); err != nil {
		t.Fatalf("command: %v", err)
	}
	h.c.Wait()

	texts := h.sender.Texts("G1")
	if len(texts) != 3 || texts[1] != AckText || texts[2] != "[Chat summary]\nall good" {
		t.Fatalf("sent = %q", texts)
	}
	st, _ := h.c.Status("G1")
	if st.Buffered != 3 {
		t.Fatalf("commands must not be buffered, buffered = %d", st.Buffered)
	}

	h.say(t, "G1", 1)
	if err := h.c.HandleMessage(ctx, Inbound{ConversationID: "G1", Sender: "bob", Text: "sum it up"}); err != nil {
		t.Fatalf("phrase: %v", err)
	}
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 2 {
		t.Fatalf("trigger phrase should run a summary, calls = %d", got)
	}
}

func TestHandleMessage_DailyModeIgnoresCount(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 2, Mode: trigger.ModeDaily}, newFakeCompleter(nil), nil)
	h.say(t, "G1", 6)
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 0 {
		t.Fatalf("daily mode must not fire on count, calls = %d", got)
	}
}

func TestRunScheduled_OncePerDay(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 20, Mode: trigger.ModeDaily, Location: time.UTC}, newFakeCompleter(nil), nil)
	ctx := context.Background()
	h.say(t, "A", 3)
	h.say(t, "B", 1)
	h.c.store.Update("C", func(*buffer.Buffer) {}) // known but idle

	day1 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	h.c.RunScheduled(ctx, day1)
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if texts := h.sender.Texts("A"); len(texts) != 1 || !strings.HasPrefix(texts[0], "[Daily chat summary]\n") {
		t.Fatalf("A sent = %q", texts)
	}

	// New traffic, same day: no second daily summary.
	h.say(t, "A", 2)
	h.c.RunScheduled(ctx, day1.Add(30*time.Minute))
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 2 {
		t.Fatalf("same-day rerun fired, calls = %d", got)
	}

	h.c.RunScheduled(ctx, day1.Add(24*time.Hour))
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 3 {
		t.Fatalf("next day calls = %d, want 3", got)
	}
	st, _ := h.c.Status("A")
	if st.LastScheduledAt == nil || !st.LastScheduledAt.Equal(day1.Add(24*time.Hour)) {
		t.Fatalf("last scheduled = %v", st.LastScheduledAt)
	}
}

func TestRunScheduled_IsolatesFailures(t *testing.T) {
	comp := newFakeCompleter(func(_ context.Context, _, hint string) (string, error) {
		if hint == "A" {
			return "", errors.New("500 internal server error")
		}
		return "fine", nil
	})
	h := newHarness(t, trigger.Policy{Mode: trigger.ModeDaily, Location: time.UTC}, comp, nil)
	h.say(t, "A", 2)
	h.say(t, "B", 2)

	h.c.RunScheduled(context.Background(), time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	h.c.Wait()

	if texts := h.sender.Texts("A"); len(texts) != 1 || texts[0] != "Summary failed: provider error" {
		t.Fatalf("A sent = %q", texts)
	}
	if texts := h.sender.Texts("B"); len(texts) != 1 || texts[0] != "[Daily chat summary]\nfine" {
		t.Fatalf("B sent = %q", texts)
	}
}

func TestExecute_FailureDoesNotRestorePending(t *testing.T) {
	comp := newFakeCompleter(func(context.Context, string, string) (string, error) {
		return "", errors.New("429 too many requests")
	})
	h := newHarness(t, trigger.Policy{Threshold: 3}, comp, nil)
	sub := h.bus.Subscribe(bus.TopicSummaryFailed)

	h.say(t, "G1", 3)
	h.c.Wait()

	if texts := h.sender.Texts("G1"); len(texts) != 1 || texts[0] != "Summary failed: rate limited" {
		t.Fatalf("sent = %q", texts)
	}
	st, _ := h.c.Status("G1")
	if st.Pending != 0 || st.LastSummaryAt != nil || st.InFlight {
		t.Fatalf("status after failure = %+v", st)
	}
	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.SummaryEvent)
		if p.ConversationID != "G1" || p.Error != "rate limited" {
			t.Fatalf("failed event = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no summary.failed event")
	}
}

func TestExecute_RetryFailedWindowRestoresPending(t *testing.T) {
	comp := newFakeCompleter(func(context.Context, string, string) (string, error) {
		return "", errors.New("connection reset")
	})
	h := newHarness(t, trigger.Policy{Threshold: 3}, comp, func(c *Config) { c.RetryFailedWindow = true })

	h.say(t, "G1", 3)
	h.c.Wait()
	st, _ := h.c.Status("G1")
	if st.Pending != 3 {
		t.Fatalf("pending after failed run = %d, want 3", st.Pending)
	}
}

func TestNoProviderReportedOnce(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 1}, nil, nil)

	h.say(t, "G1", 3)
	if err := h.c.Trigger(context.Background(), "G1", trigger.ReasonManual); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("trigger: got %v, want ErrNoProvider", err)
	}
	h.c.Wait()

	texts := h.sender.Texts("G1")
	if len(texts) != 1 || texts[0] != "Summary failed: no completion provider configured" {
		t.Fatalf("sent = %q", texts)
	}
	st, _ := h.c.Status("G1")
	if st.Pending != 3 {
		t.Fatalf("pending must be kept without a provider, got %d", st.Pending)
	}

	h.c.SetCompleter(newFakeCompleter(nil))
	if err := h.c.Trigger(context.Background(), "G1", trigger.ReasonManual); err != nil {
		t.Fatalf("trigger after provider set: %v", err)
	}
	h.c.Wait()
}

func TestExecute_CompletionTimeout(t *testing.T) {
	comp := newFakeCompleter(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, trigger.Policy{Threshold: 2}, comp, func(c *Config) { c.CompletionTimeout = 50 * time.Millisecond })

	h.say(t, "G1", 2)
	h.c.Wait()
	if texts := h.sender.Texts("G1"); len(texts) != 1 || texts[0] != "Summary failed: timed out" {
		t.Fatalf("sent = %q", texts)
	}
}

func TestExecute_EmptyCompletionFails(t *testing.T) {
	comp := newFakeCompleter(func(context.Context, string, string) (string, error) { return "", nil })
	h := newHarness(t, trigger.Policy{Threshold: 1}, comp, nil)
	h.say(t, "G1", 1)
	h.c.Wait()
	if texts := h.sender.Texts("G1"); len(texts) != 1 || texts[0] != "Summary failed: empty response" {
		t.Fatalf("sent = %q", texts)
	}
}

func TestSetPolicy_AppliesToNextMessage(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 50}, newFakeCompleter(nil), nil)
	h.say(t, "G1", 3)
	h.c.SetPolicy(trigger.Policy{Threshold: 4}, "bullet-point")
	h.say(t, "G1", 1)
	h.c.Wait()

	calls := h.comp.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].prompt, "bullet-point style") {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestFlush_FailureKeepsDirty(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 50}, newFakeCompleter(nil), nil)
	h.gw.err = errors.New("disk full")
	h.say(t, "G1", 1)

	if err := h.c.Flush(context.Background()); err == nil {
		t.Fatal("expected save error")
	}
	if h.c.StoreOK() {
		t.Fatal("store must be reported unhealthy")
	}

	h.gw.mu.Lock()
	h.gw.err = nil
	h.gw.mu.Unlock()
	h.c.Tick(context.Background(), time.Now())
	if h.gw.Saves() != 1 || !h.c.StoreOK() {
		t.Fatalf("retry on tick: saves = %d ok = %t", h.gw.Saves(), h.c.StoreOK())
	}
	// Clean store: no further saves.
	h.c.Tick(context.Background(), time.Now())
	if h.gw.Saves() != 1 {
		t.Fatalf("clean tick saved again: %d", h.gw.Saves())
	}
}

func TestLoad_RestoresState(t *testing.T) {
	gw := &memGateway{last: map[string]buffer.Record{
		"G1": {Messages: []buffer.Message{{Sender: "a", Text: "x"}, {Sender: "b", Text: "y"}}, Count: 2},
	}}
	h := newHarness(t, trigger.Policy{Threshold: 3}, newFakeCompleter(nil), func(c *Config) { c.Gateway = gw })
	if err := h.c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.say(t, "G1", 1)
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 1 {
		t.Fatalf("restored pending should count toward the threshold, calls = %d", got)
	}
}

func TestClose_DrainsAndSaves(t *testing.T) {
	release := make(chan struct{})
	comp := newFakeCompleter(func(context.Context, string, string) (string, error) {
		<-release
		return "late but fine", nil
	})
	h := newHarness(t, trigger.Policy{Threshold: 2}, comp, nil)
	h.say(t, "G1", 2)
	waitFor(t, time.Second, func() bool { return len(comp.Calls()) == 1 })

	done := make(chan error, 1)
	go func() { done <- h.c.Close(context.Background()) }()

	waitFor(t, time.Second, func() bool {
		return errors.Is(h.c.Trigger(context.Background(), "G1", trigger.ReasonManual), ErrShuttingDown)
	})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("close: %v", err)
	}
	if texts := h.sender.Texts("G1"); len(texts) != 1 || texts[0] != "[Live chat summary]\nlate but fine" {
		t.Fatalf("drained run output = %q", texts)
	}
	if h.gw.Saves() == 0 {
		t.Fatal("close must save")
	}
	h.gw.mu.Lock()
	rec := h.gw.last["G1"]
	h.gw.mu.Unlock()
	if rec.LastSummaryAt == nil || len(rec.Messages) != 2 {
		t.Fatalf("saved record = %+v", rec)
	}
}

func TestClose_AbortsAfterDeadline(t *testing.T) {
	comp := newFakeCompleter(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, trigger.Policy{Threshold: 1}, comp, func(c *Config) { c.CompletionTimeout = time.Minute })
	h.say(t, "G1", 1)
	waitFor(t, time.Second, func() bool { return len(comp.Calls()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.c.InFlight() != 0 {
		t.Fatalf("in flight after close = %d", h.c.InFlight())
	}
	if texts := h.sender.Texts("G1"); len(texts) != 0 {
		t.Fatalf("aborted run must not post a failure notice: %q", texts)
	}
}

func TestStatuses_Sorted(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 50}, newFakeCompleter(nil), nil)
	h.say(t, "b", 1)
	h.say(t, "a", 2)
	got := h.c.Statuses()
	if len(got) != 2 || got[0].ConversationID != "a" || got[0].Pending != 2 || got[1].ConversationID != "b" {
		t.Fatalf("statuses = %+v", got)
	}
}

func TestHandleMessage_RequiresConversationID(t *testing.T) {
	h := newHarness(t, trigger.Policy{}, newFakeCompleter(nil), nil)
	if err := h.c.HandleMessage(context.Background(), Inbound{Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunScheduled_IgnoredInImmediateMode(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 5, Mode: trigger.ModeImmediate, Location: time.UTC}, newFakeCompleter(nil), nil)
	h.say(t, "G1", 2)

	h.c.RunScheduled(context.Background(), time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	h.c.Wait()

	if got := len(h.comp.Calls()); got != 0 {
		t.Fatalf("immediate mode ran a scheduled summary, calls = %d", got)
	}
	if texts := h.sender.Texts("G1"); len(texts) != 0 {
		t.Fatalf("sent = %q", texts)
	}
	if st, _ := h.c.Status("G1"); st.Pending != 2 || st.LastScheduledAt != nil {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunScheduled_SkipsDayWithManualSummary(t *testing.T) {
	morning := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, trigger.Policy{Threshold: 20, Mode: trigger.ModeDaily, Location: time.UTC}, newFakeCompleter(nil),
		func(c *Config) { c.Now = func() time.Time { return morning } })
	ctx := context.Background()

	h.say(t, "G1", 3)
	if err := h.c.Trigger(ctx, "G1", trigger.ReasonManual); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	h.c.Wait()
	h.say(t, "G1", 2)

	h.c.RunScheduled(ctx, time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 1 {
		t.Fatalf("daily run fired on a day that already had a summary, calls = %d", got)
	}

	h.c.RunScheduled(ctx, time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC))
	h.c.Wait()
	if got := len(h.comp.Calls()); got != 2 {
		t.Fatalf("next day calls = %d, want 2", got)
	}
}

func TestClose_WaitsForClaimedRun(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 50}, newFakeCompleter(nil), nil)
	ctx := context.Background()
	h.say(t, "G1", 2)

	// Claim without dispatching, as a trigger paused between the two would.
	var (
		d   trigger.Decision
		r   *run
		err error
	)
	h.c.store.View("G1", func(b *buffer.Buffer) {
		d = h.c.Policy().OnManual("G1", stateOf(b))
		r, err = h.c.claimLocked(b, d, h.comp, time.Now())
	})
	if err != nil || r == nil {
		t.Fatalf("claim: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.c.Close(ctx) }()
	select {
	case err := <-done:
		t.Fatalf("close returned before the claimed run finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.c.dispatch(ctx, d, r, nil, false); err != nil {
		t.Fatalf("dispatch after close started: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after the run finished")
	}
	if texts := h.sender.Texts("G1"); len(texts) != 1 || texts[0] != "[Chat summary]\nall good" {
		t.Fatalf("claimed window output = %q", texts)
	}
}

func TestRecent_ReadsWithoutClaiming(t *testing.T) {
	h := newHarness(t, trigger.Policy{Threshold: 3, Mode: trigger.ModeDaily}, newFakeCompleter(nil), nil)
	h.say(t, "G1", 5)

	msgs, ok := h.c.Recent("G1", 0)
	if !ok || len(msgs) != 3 || msgs[2].Text != "line 4" {
		t.Fatalf("recent by threshold = %+v, %v", msgs, ok)
	}
	if msgs, _ := h.c.Recent("G1", 2); len(msgs) != 2 || msgs[0].Text != "line 3" {
		t.Fatalf("recent(2) = %+v", msgs)
	}
	if st, _ := h.c.Status("G1"); st.Pending != 5 {
		t.Fatalf("recent changed pending: %+v", st)
	}
	if _, ok := h.c.Recent("nobody", 5); ok {
		t.Fatal("unknown conversation must report false")
	}
}
