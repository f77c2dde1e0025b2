package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/foundry/internal/bus"
	"github.com/basket/foundry/internal/evidence"
	"github.com/basket/foundry/internal/provider"
	"github.com/basket/foundry/internal/store"
	"github.com/basket/foundry/internal/worker"
)

// fakeProvider replays scripted responses in call order. The last script
// entry repeats once the script runs out.
type fakeProvider struct {
	mu      sync.Mutex
	script  []string
	errs    []error
	calls   int
	prompts []string
	// inTokens/outTokens are reported on every scripted response.
	inTokens  int
	outTokens int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := ""
	if len(f.script) > 0 {
		if i >= len(f.script) {
			i = len(f.script) - 1
		}
		text = f.script[i]
	}
	return &provider.Response{
		Text:         text,
		InputTokens:  f.inTokens,
		OutputTokens: f.outTokens,
		Duration:     time.Millisecond,
	}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func evidenceBlock(lines ...string) string {
	return evidence.BlockStart + "\n" + strings.Join(lines, "\n") + "\n" + evidence.BlockEnd
}

func openWorkerStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foundry.db"), bus.New(), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var devRules = []evidence.Predicate{
	{Key: "tests_passed", Kind: evidence.KindBool, Equals: true},
	{Key: "coverage_pct", Kind: evidence.KindThreshold, Min: 80},
}

func runWorker(t *testing.T, w *worker.Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker_PassingEvidenceAdvancesItem(t *testing.T) {
	s := openWorkerStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", `{"goal":"build"}`, store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	fake := &fakeProvider{script: []string{
		"Work done.\n" + evidenceBlock("tests_passed: true", "coverage_pct: 92"),
	}}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval: 10 * time.Millisecond,
		Rules:        devRules,
	}, s, bus.New(), fake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Stage == store.StageValidation && item.Status == store.StatusQueued
	})

	facts, err := s.LatestEvidence(ctx, "w1", store.StageDev)
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	idx := evidence.Index(facts)
	if idx["tests_passed"] != "true" || idx["coverage_pct"] != "92" {
		t.Fatalf("unexpected recorded evidence %+v", facts)
	}
}

func TestWorker_RejectedEvidenceRequeuesWithReason(t *testing.T) {
	s := openWorkerStore(t, store.Options{
		Retry: store.RetryPolicy{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour},
	})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	fake := &fakeProvider{script: []string{
		evidenceBlock("tests_passed: false", "coverage_pct: 40"),
	}}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval: 10 * time.Millisecond,
		Rules:        devRules,
	}, s, bus.New(), fake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Attempt == 1 && item.Status == store.StatusQueued
	})

	item, err := s.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Stage != store.StageDev {
		t.Fatalf("rejected item must stay at its stage, got %s", item.Stage)
	}
	if item.FailReason != store.ReasonEvidenceRejected {
		t.Fatalf("expected EVIDENCE_REJECTED, got %q", item.FailReason)
	}

	// Rejected evidence is still recorded for the audit trail.
	facts, err := s.LatestEvidence(ctx, "w1", store.StageDev)
	if err != nil || len(facts) == 0 {
		t.Fatalf("expected recorded evidence, got %v (%v)", facts, err)
	}
}

func TestWorker_ProviderFailureRequeuesWithProviderReason(t *testing.T) {
	s := openWorkerStore(t, store.Options{
		Retry: store.RetryPolicy{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour},
	})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	fake := &fakeProvider{errs: []error{errors.New("401 unauthorized")}}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval: 10 * time.Millisecond,
		Rules:        devRules,
	}, s, bus.New(), fake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Attempt == 1
	})
	item, _ := s.Get(ctx, "w1")
	if item.FailReason != store.ReasonProviderError {
		t.Fatalf("expected PROVIDER_ERROR, got %q", item.FailReason)
	}
}

func TestWorker_IntegratorCompletesToDone(t *testing.T) {
	s := openWorkerStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageIntegration); err != nil {
		t.Fatalf("put: %v", err)
	}

	fake := &fakeProvider{script: []string{evidenceBlock("integrated: true")}}
	w, err := worker.New(worker.Options{
		ID: "int-1", Role: worker.RoleIntegrator,
		PollInterval: 10 * time.Millisecond,
		Rules:        []evidence.Predicate{{Key: "integrated", Kind: evidence.KindBool, Equals: true}},
	}, s, bus.New(), fake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Stage == store.StageDone
	})
}

func TestWorker_OracleAnswerFlowsIntoResume(t *testing.T) {
	s := openWorkerStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", `{"goal":"ambiguous"}`, store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	workerFake := &fakeProvider{script: []string{
		evidenceBlock("oracle_question: which schema version?"),
		evidenceBlock("tests_passed: true", "coverage_pct: 95"),
	}}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval:  10 * time.Millisecond,
		OracleTimeout: 10 * time.Second,
		Rules:         devRules,
	}, s, bus.New(), workerFake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	oracleFake := &fakeProvider{script: []string{"Use schema v2."}}
	o := worker.NewOracle("oracle-1", s, bus.New(), oracleFake, nil)
	o.PollInterval = 10 * time.Millisecond

	oracleCtx, cancelOracle := context.WithCancel(context.Background())
	oracleDone := make(chan struct{})
	go func() {
		defer close(oracleDone)
		_ = o.Run(oracleCtx)
	}()
	t.Cleanup(func() {
		cancelOracle()
		<-oracleDone
	})
	runWorker(t, w)

	waitFor(t, 10*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Stage == store.StageValidation
	})

	// The resume prompt must carry the oracle's guidance.
	workerFake.mu.Lock()
	defer workerFake.mu.Unlock()
	if len(workerFake.prompts) < 2 || !strings.Contains(workerFake.prompts[1], "Use schema v2.") {
		t.Fatalf("expected oracle answer in resume prompt, got %q", workerFake.prompts)
	}

	facts, err := s.LatestEvidence(ctx, "w1", store.StageDev)
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if evidence.Index(facts)["oracle_timeout"] != "" {
		t.Fatal("answered escalation must not record oracle_timeout")
	}
}

func TestWorker_OracleTimeoutRecordsFallback(t *testing.T) {
	s := openWorkerStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	// No oracle is running, so the question can only time out.
	fake := &fakeProvider{script: []string{
		evidenceBlock("oracle_question: should I proceed?"),
		evidenceBlock("tests_passed: true", "coverage_pct: 85"),
	}}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval:  10 * time.Millisecond,
		OracleTimeout: 100 * time.Millisecond,
		Rules:         devRules,
	}, s, bus.New(), fake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	waitFor(t, 10*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Stage == store.StageValidation
	})

	facts, err := s.LatestEvidence(ctx, "w1", store.StageDev)
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if evidence.Index(facts)["oracle_timeout"] != "true" {
		t.Fatalf("expected oracle_timeout fact, got %+v", facts)
	}

	// The fallback guidance reached the resume prompt.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.prompts) < 2 || !strings.Contains(fake.prompts[1], "conservative") {
		t.Fatalf("expected fallback guidance in resume prompt, got %q", fake.prompts)
	}
}

func TestWorker_OracleTimeoutUsesConfiguredFallback(t *testing.T) {
	s := openWorkerStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	fake := &fakeProvider{script: []string{
		evidenceBlock("oracle_question: which region?"),
		evidenceBlock("tests_passed: true", "coverage_pct: 85"),
	}}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval:  10 * time.Millisecond,
		OracleTimeout: 100 * time.Millisecond,
		Fallbacks:     map[string]string{"default": "assume eu-west-1"},
		Rules:         devRules,
	}, s, bus.New(), fake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	waitFor(t, 10*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Stage == store.StageValidation
	})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.prompts) < 2 || !strings.Contains(fake.prompts[1], "assume eu-west-1") {
		t.Fatalf("expected configured fallback in resume prompt, got %q", fake.prompts)
	}
}

func TestWorker_PublishesUsageAfterAttempt(t *testing.T) {
	s := openWorkerStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicProviderUsage)
	defer b.Unsubscribe(sub)

	fake := &fakeProvider{
		script:    []string{evidenceBlock("tests_passed: true", "coverage_pct: 92")},
		inTokens:  300,
		outTokens: 700,
	}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval: 10 * time.Millisecond,
		Rules:        devRules,
		CostPer1K:    0.002,
	}, s, b, fake, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	select {
	case ev := <-sub.Ch():
		ue, ok := ev.Payload.(bus.UsageEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Payload)
		}
		if ue.ItemID != "w1" || ue.Role != worker.RoleDeveloper || ue.Stage != string(store.StageDev) {
			t.Fatalf("unexpected usage event %+v", ue)
		}
		if ue.InputTokens != 300 || ue.OutputTokens != 700 {
			t.Fatalf("unexpected token counts %+v", ue)
		}
		// 1000 tokens at 0.002 USD per thousand.
		if ue.CostUSD < 0.0019 || ue.CostUSD > 0.0021 {
			t.Fatalf("unexpected cost %f", ue.CostUSD)
		}
		if ue.ProviderSeconds <= 0 || ue.AttemptSeconds <= 0 {
			t.Fatalf("expected positive durations, got %+v", ue)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a usage event on the bus")
	}
}

func TestOracle_HeartbeatsWhileAnswering(t *testing.T) {
	s := openWorkerStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.CreateQuestion(ctx, "dev-1", "escalation", "needs a long think"); err != nil {
		t.Fatalf("create question: %v", err)
	}

	blocker := &blockingProvider{entered: make(chan struct{}, 1), release: make(chan struct{})}
	o := worker.NewOracle("oracle-1", s, bus.New(), blocker, nil)
	o.PollInterval = 10 * time.Millisecond
	o.HeartbeatInterval = 15 * time.Millisecond

	oracleCtx, cancelOracle := context.WithCancel(context.Background())
	oracleDone := make(chan struct{})
	go func() {
		defer close(oracleDone)
		_ = o.Run(oracleCtx)
	}()
	t.Cleanup(func() {
		cancelOracle()
		<-oracleDone
	})

	// Wait for the provider call to be in flight, then age the agent
	// record as if no heartbeat had arrived for an hour.
	select {
	case <-blocker.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
	if _, err := s.DB().ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = datetime('now', '-1 hour') WHERE agent_id = 'oracle-1';
	`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// A mid-answer heartbeat must refresh the record while the provider
	// is still blocked.
	waitFor(t, 5*time.Second, func() bool {
		agents, err := s.Agents(ctx)
		if err != nil || len(agents) == 0 {
			return false
		}
		return time.Since(agents[0].LastHeartbeat) < time.Minute
	})
	close(blocker.release)
}

type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.release:
	}
	return &provider.Response{Text: "answered"}, nil
}

func TestStageForRole(t *testing.T) {
	if _, err := worker.StageForRole(worker.RoleOracle); err == nil {
		t.Fatal("oracle has no stage queue")
	}
	stage, err := worker.StageForRole(worker.RoleValidator)
	if err != nil || stage != store.StageValidation {
		t.Fatalf("unexpected mapping %v %v", stage, err)
	}
}

func TestWorker_SlowAttemptKeepsLeaseViaHeartbeat(t *testing.T) {
	s := openWorkerStore(t, store.Options{LeaseDuration: 100 * time.Millisecond})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}

	slow := &slowProvider{
		delay: 400 * time.Millisecond,
		text:  evidenceBlock("tests_passed: true", "coverage_pct: 90"),
	}
	w, err := worker.New(worker.Options{
		ID: "dev-1", Role: worker.RoleDeveloper,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		Rules:             devRules,
	}, s, bus.New(), slow, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	// Reclaim aggressively while the attempt runs; heartbeats must keep
	// the lease alive so the slow attempt still lands.
	reclaimed := 0
	waitFor(t, 10*time.Second, func() bool {
		n, _ := s.ReclaimExpiredLeases(ctx)
		reclaimed += n
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Stage == store.StageValidation
	})
	if reclaimed != 0 {
		t.Fatalf("lease was reclaimed %d times during a heartbeating attempt", reclaimed)
	}
}

type slowProvider struct {
	delay time.Duration
	text  string
}

func (s *slowProvider) Name() string { return "slow" }

func (s *slowProvider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	return &provider.Response{Text: s.text}, nil
}
