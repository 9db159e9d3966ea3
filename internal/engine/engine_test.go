package engine_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/events"
	"bountyline/internal/facilitator"
)

type stubProber struct {
	outcome facilitator.ProbeOutcome
	calls   int
	mu      sync.Mutex
}

func (p *stubProber) Probe(ctx context.Context) facilitator.ProbeOutcome {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.outcome
}

type proberFunc func(ctx context.Context) facilitator.ProbeOutcome

func (f proberFunc) Probe(ctx context.Context) facilitator.ProbeOutcome { return f(ctx) }

type memJournal struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (j *memJournal) Append(ctx context.Context, evt events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, evt)
	return nil
}

func (j *memJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.events {
		out = append(out, e.Type)
	}
	return out
}

// tickingClock advances one second per call so creation order is visible in timestamps.
type tickingClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type testEnv struct {
	Engine  *engine.Engine
	Prober  *stubProber
	Journal *memJournal
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	prober := &stubProber{outcome: facilitator.Unreachable}
	eng := engine.New(prober, zerolog.Nop())
	clock := &tickingClock{cur: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	journal := &memJournal{}
	eng.Journal = journal
	return testEnv{Engine: eng, Prober: prober, Journal: journal, Ctx: context.Background()}
}

func (env testEnv) createTask(t *testing.T, bounty string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:         "Summarize paper",
		Description:   "Two paragraphs please",
		Category:      domain.CategorySummarization,
		Bounty:        bounty,
		PosterAddress: "ST1POSTER",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) registerAgent(t *testing.T, name string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Name: name, WalletAddress: "ST1" + strings.ToUpper(name)})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return a
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "0.005")
	if task.Status != domain.StatusOpen {
		t.Fatalf("expected open, got %s", task.Status)
	}
	if task.BountyBaseUnits != "5000" {
		t.Fatalf("expected 5000 base units, got %s", task.BountyBaseUnits)
	}
	if !task.CreatedAt.Equal(task.UpdatedAt) || task.CompletedAt != nil {
		t.Fatalf("unexpected timestamps: %+v", task)
	}
	if task.AssignedAgent != "" || task.Result != "" || task.PaymentTxID != "" {
		t.Fatalf("lifecycle fields should be empty: %+v", task)
	}
	got, err := env.Engine.GetTask(task.ID)
	if err != nil || !reflect.DeepEqual(got, task) {
		t.Fatalf("get task mismatch: %+v %v", got, err)
	}
}

func TestCreateTaskDefaultsCategory(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "t", Description: "d", Bounty: "1", PosterAddress: "p",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Category != domain.CategoryOther {
		t.Fatalf("expected other, got %s", task.Category)
	}
}

func TestCreateTaskRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	base := engine.TaskCreateOptions{Title: "t", Description: "d", Bounty: "0.5", PosterAddress: "p"}
	cases := map[string]func(o *engine.TaskCreateOptions){
		"missing title":       func(o *engine.TaskCreateOptions) { o.Title = " " },
		"missing description": func(o *engine.TaskCreateOptions) { o.Description = "" },
		"missing poster":      func(o *engine.TaskCreateOptions) { o.PosterAddress = "" },
		"missing bounty":      func(o *engine.TaskCreateOptions) { o.Bounty = "" },
		"negative bounty":     func(o *engine.TaskCreateOptions) { o.Bounty = "-1" },
		"too precise":         func(o *engine.TaskCreateOptions) { o.Bounty = "0.0000001" },
		"bad category":        func(o *engine.TaskCreateOptions) { o.Category = "gardening" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			if _, err := env.Engine.CreateTask(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if s := env.Engine.Stats(); s.TotalTasks != 0 {
		t.Fatalf("rejected creates must not store tasks, got %d", s.TotalTasks)
	}
}

func TestRegisterAgent(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "alpha")
	if a.TasksCompleted != 0 || a.TotalEarned != "0.000000" {
		t.Fatalf("unexpected counters: %+v", a)
	}
	if !reflect.DeepEqual(a.Capabilities, []domain.Category{domain.CategoryOther}) {
		t.Fatalf("expected default capabilities, got %v", a.Capabilities)
	}
	if !a.RegisteredAt.Equal(a.LastActiveAt) {
		t.Fatalf("timestamps should match at registration")
	}

	b, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		Name:          "beta",
		WalletAddress: "ST1BETA",
		Capabilities:  []domain.Category{domain.CategoryCoding, domain.CategoryResearch, domain.CategoryCoding},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reflect.DeepEqual(b.Capabilities, []domain.Category{domain.CategoryCoding, domain.CategoryResearch}) {
		t.Fatalf("expected deduplicated capabilities, got %v", b.Capabilities)
	}

	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Name: "x"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing wallet, got %v", err)
	}
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Name: "x", WalletAddress: "w", Capabilities: []domain.Category{"nope"}}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad capability, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetTask("missing")
	var nf *engine.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != "task" || !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected task NotFoundError, got %v", err)
	}
	_, err = env.Engine.GetAgent("missing")
	if !errors.As(err, &nf) || nf.Entity != "agent" {
		t.Fatalf("expected agent NotFoundError, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "0.005")

	accepted, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.StatusAssigned || accepted.AssignedAgent != agent.ID {
		t.Fatalf("unexpected accepted task: %+v", accepted)
	}
	if !accepted.UpdatedAt.After(task.UpdatedAt) {
		t.Fatalf("updatedAt not refreshed")
	}
	a, _ := env.Engine.GetAgent(agent.ID)
	if !a.LastActiveAt.After(agent.LastActiveAt) {
		t.Fatalf("lastActiveAt not refreshed on accept")
	}

	submitted, err := env.Engine.SubmitResult(env.Ctx, task.ID, agent.ID, "the summary")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != domain.StatusSubmitted || submitted.Result != "the summary" {
		t.Fatalf("unexpected submitted task: %+v", submitted)
	}

	completed, err := env.Engine.ApproveTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if completed.Status != domain.StatusCompleted || completed.PaymentTxID == "" || completed.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", completed)
	}
	if !completed.CompletedAt.Equal(completed.UpdatedAt) {
		t.Fatalf("completedAt and updatedAt should match")
	}
	a, _ = env.Engine.GetAgent(agent.ID)
	if a.TasksCompleted != 1 || a.TotalEarned != "0.005000" {
		t.Fatalf("unexpected agent credit: %+v", a)
	}

	stats := env.Engine.Stats()
	want := domain.Stats{TotalTasks: 1, OpenTasks: 0, CompletedTasks: 1, TotalAgents: 1, TotalPaid: "0.005000"}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	wantEvents := []string{events.AgentRegistered, events.TaskCreated, events.TaskAccepted, events.TaskSubmitted, events.TaskCompleted}
	if got := env.Journal.types(); !reflect.DeepEqual(got, wantEvents) {
		t.Fatalf("journal = %v, want %v", got, wantEvents)
	}
}

func TestOutOfOrderTransitionsLeaveTaskUnchanged(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "1.25")

	if _, err := env.Engine.SubmitResult(env.Ctx, task.ID, agent.ID, "early"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("submit on open: expected ErrInvalidState, got %v", err)
	}
	_, err := env.Engine.ApproveTask(env.Ctx, task.ID)
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) || ise.Current != domain.StatusOpen || !strings.Contains(err.Error(), "open") {
		t.Fatalf("approve on open: expected InvalidStateError naming open, got %v", err)
	}
	if env.Prober.calls != 0 {
		t.Fatalf("facilitator must not be probed for a rejected approval")
	}
	got, _ := env.Engine.GetTask(task.ID)
	if !reflect.DeepEqual(got, task) {
		t.Fatalf("task mutated:\n got %+v\nwant %+v", got, task)
	}

	assigned, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("approve on assigned: expected ErrInvalidState, got %v", err)
	}
	got, _ = env.Engine.GetTask(task.ID)
	if !reflect.DeepEqual(got, assigned) {
		t.Fatalf("task mutated after rejected approve")
	}
}

func TestAcceptNonOpenKeepsAssignment(t *testing.T) {
	env := newTestEnv(t)
	first := env.registerAgent(t, "alpha")
	second := env.registerAgent(t, "beta")
	task := env.createTask(t, "0.1")
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, first.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, second.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	got, _ := env.Engine.GetTask(task.ID)
	if got.AssignedAgent != first.ID {
		t.Fatalf("assignedAgent changed to %s", got.AssignedAgent)
	}
}

func TestAcceptPreconditionOrder(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AcceptTask(env.Ctx, "nope", "nobody"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound first, got %v", err)
	}
	task := env.createTask(t, "0.1")
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "nobody"); !errors.Is(err, engine.ErrAgentNotRegistered) {
		t.Fatalf("expected ErrAgentNotRegistered, got %v", err)
	}
	got, _ := env.Engine.GetTask(task.ID)
	if got.Status != domain.StatusOpen || got.AssignedAgent != "" {
		t.Fatalf("task mutated: %+v", got)
	}
	agent := env.registerAgent(t, "alpha")
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// status is checked before the agent lookup
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "nobody"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSubmitByOtherAgentIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	owner := env.registerAgent(t, "alpha")
	other := env.registerAgent(t, "beta")
	task := env.createTask(t, "0.1")
	assigned, err := env.Engine.AcceptTask(env.Ctx, task.ID, owner.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = env.Engine.SubmitResult(env.Ctx, task.ID, other.ID, "stolen")
	var na *engine.NotAssignedError
	if !errors.As(err, &na) || !errors.Is(err, engine.ErrUnauthorized) || na.AgentID != other.ID {
		t.Fatalf("expected NotAssignedError, got %v", err)
	}
	got, _ := env.Engine.GetTask(task.ID)
	if !reflect.DeepEqual(got, assigned) {
		t.Fatalf("task mutated by unauthorized submit: %+v", got)
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, task.ID, owner.ID, " "); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty result, got %v", err)
	}
}

func TestApproveTwiceCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "0.25")
	mustReachSubmitted(t, env, task.ID, agent.ID)

	first, err := env.Engine.ApproveTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("second approve: expected ErrInvalidState, got %v", err)
	}
	got, _ := env.Engine.GetTask(task.ID)
	if got.PaymentTxID != first.PaymentTxID {
		t.Fatalf("paymentTxId changed on second approve")
	}
	a, _ := env.Engine.GetAgent(agent.ID)
	if a.TasksCompleted != 1 || a.TotalEarned != "0.250000" {
		t.Fatalf("agent credited more than once: %+v", a)
	}
}

func TestApproveUnknownTaskLeavesStats(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "alpha")
	env.createTask(t, "0.1")
	before := env.Engine.Stats()
	if _, err := env.Engine.ApproveTask(env.Ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if after := env.Engine.Stats(); after != before {
		t.Fatalf("stats changed: %+v -> %+v", before, after)
	}
}

func TestApproveSettlementMode(t *testing.T) {
	cases := []struct {
		name    string
		outcome facilitator.ProbeOutcome
		prefix  string
		mode    domain.Settlement
	}{
		{"reachable", facilitator.Reachable, "stx_", domain.SettlementLive},
		{"unreachable", facilitator.Unreachable, "sim_", domain.SettlementSimulated},
		{"timed out", facilitator.TimedOut, "sim_", domain.SettlementSimulated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.Prober.outcome = tc.outcome
			agent := env.registerAgent(t, "alpha")
			task := env.createTask(t, "0.005")
			mustReachSubmitted(t, env, task.ID, agent.ID)
			done, err := env.Engine.ApproveTask(env.Ctx, task.ID)
			if err != nil {
				t.Fatalf("approve: %v", err)
			}
			if !strings.HasPrefix(done.PaymentTxID, tc.prefix) || len(done.PaymentTxID) != len(tc.prefix)+12 {
				t.Fatalf("tx id %q, want prefix %s", done.PaymentTxID, tc.prefix)
			}
			if done.Settlement != tc.mode {
				t.Fatalf("settlement %s, want %s", done.Settlement, tc.mode)
			}
		})
	}
}

func TestApproveWithoutProberSimulates(t *testing.T) {
	eng := engine.New(nil, zerolog.Nop())
	ctx := context.Background()
	a, _ := eng.RegisterAgent(ctx, engine.AgentRegisterOptions{Name: "a", WalletAddress: "w"})
	task, _ := eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "t", Description: "d", Bounty: "2", PosterAddress: "p"})
	if _, err := eng.AcceptTask(ctx, task.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SubmitResult(ctx, task.ID, a.ID, "r"); err != nil {
		t.Fatal(err)
	}
	done, err := eng.ApproveTask(ctx, task.ID)
	if err != nil || done.Settlement != domain.SettlementSimulated {
		t.Fatalf("expected simulated settlement, got %+v %v", done, err)
	}
}

func TestApproveProbeIsBounded(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ProbeTimeout = 20 * time.Millisecond
	env.Engine.Prober = proberFunc(func(ctx context.Context) facilitator.ProbeOutcome {
		<-ctx.Done()
		return facilitator.Unreachable
	})
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "0.005")
	mustReachSubmitted(t, env, task.ID, agent.ID)

	start := time.Now()
	done, err := env.Engine.ApproveTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("probe was not bounded")
	}
	if done.Settlement != domain.SettlementSimulated {
		t.Fatalf("expected simulated settlement after timeout")
	}
}

func TestApproveIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "0.005")
	mustReachSubmitted(t, env, task.ID, agent.ID)

	env.Engine.Prober = proberFunc(func(ctx context.Context) facilitator.ProbeOutcome {
		if ctx.Err() != nil {
			return facilitator.Unreachable
		}
		return facilitator.Reachable
	})
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	done, err := env.Engine.ApproveTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Settlement != domain.SettlementLive {
		t.Fatalf("probe saw caller cancellation")
	}
}

func TestApproveProbeRunsWithoutLock(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "0.005")
	mustReachSubmitted(t, env, task.ID, agent.ID)

	env.Engine.Prober = proberFunc(func(ctx context.Context) facilitator.ProbeOutcome {
		// needs the write lock; deadlocks if the approval holds it
		if _, err := env.Engine.RegisterAgent(ctx, engine.AgentRegisterOptions{Name: "late", WalletAddress: "w"}); err != nil {
			t.Errorf("register during probe: %v", err)
		}
		return facilitator.Reachable
	})
	finished := make(chan error, 1)
	go func() {
		_, err := env.Engine.ApproveTask(env.Ctx, task.ID)
		finished <- err
	}()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approval held the registry lock during the probe")
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "0.5")
	agents := []domain.Agent{env.registerAgent(t, "alpha"), env.registerAgent(t, "beta")}

	var wg sync.WaitGroup
	errs := make([]error, len(agents))
	start := make(chan struct{})
	for i, a := range agents {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.AcceptTask(env.Ctx, task.ID, agentID)
		}(i, a.ID)
	}
	close(start)
	wg.Wait()

	wins := 0
	winner := ""
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
			winner = agents[i].ID
		case !errors.Is(err, engine.ErrInvalidState):
			t.Fatalf("loser should see ErrInvalidState, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	got, _ := env.Engine.GetTask(task.ID)
	if got.AssignedAgent != winner {
		t.Fatalf("assigned %s, winner %s", got.AssignedAgent, winner)
	}
}

func TestConcurrentApproveCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Prober.outcome = facilitator.Reachable
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "0.005")
	mustReachSubmitted(t, env, task.ID, agent.ID)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ApproveTask(env.Ctx, task.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, engine.ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one successful approval, got %d", wins)
	}
	a, _ := env.Engine.GetAgent(agent.ID)
	if a.TasksCompleted != 1 || a.TotalEarned != "0.005000" {
		t.Fatalf("agent credited %d times (%s)", a.TasksCompleted, a.TotalEarned)
	}
}

func TestListTasksFilterAndOrder(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "alpha")
	t1 := env.createTask(t, "0.1")
	t2 := env.createTask(t, "0.2")
	t3, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "code", Description: "write it", Category: domain.CategoryCoding, Bounty: "0.3", PosterAddress: "p",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, t2.ID, agent.ID); err != nil {
		t.Fatal(err)
	}

	open := env.Engine.ListTasks(engine.TaskFilter{Status: domain.StatusOpen})
	if ids := taskIDs(open); !reflect.DeepEqual(ids, []string{t3.ID, t1.ID}) {
		t.Fatalf("open tasks = %v", ids)
	}
	for _, task := range open {
		if task.Status != domain.StatusOpen {
			t.Fatalf("filter leaked %s", task.Status)
		}
	}
	all := env.Engine.ListTasks(engine.TaskFilter{})
	if ids := taskIDs(all); !reflect.DeepEqual(ids, []string{t3.ID, t2.ID, t1.ID}) {
		t.Fatalf("all tasks = %v", ids)
	}
	coding := env.Engine.ListTasks(engine.TaskFilter{Status: domain.StatusOpen, Category: domain.CategoryCoding})
	if ids := taskIDs(coding); !reflect.DeepEqual(ids, []string{t3.ID}) {
		t.Fatalf("coding tasks = %v", ids)
	}
	if none := env.Engine.ListTasks(engine.TaskFilter{Status: domain.StatusCancelled}); len(none) != 0 {
		t.Fatalf("expected no cancelled tasks")
	}
}

func TestListTasksSameTimestampNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return fixed }
	a := env.createTask(t, "0.1")
	b := env.createTask(t, "0.1")
	if ids := taskIDs(env.Engine.ListTasks(engine.TaskFilter{})); !reflect.DeepEqual(ids, []string{b.ID, a.ID}) {
		t.Fatalf("tie order = %v", ids)
	}
}

func TestListAgentsByCompletedTasks(t *testing.T) {
	env := newTestEnv(t)
	slow := env.registerAgent(t, "slow")
	fast := env.registerAgent(t, "fast")
	for i := 0; i < 2; i++ {
		task := env.createTask(t, "0.1")
		mustReachSubmitted(t, env, task.ID, fast.ID)
		if _, err := env.Engine.ApproveTask(env.Ctx, task.ID); err != nil {
			t.Fatal(err)
		}
	}
	agents := env.Engine.ListAgents()
	if len(agents) != 2 || agents[0].ID != fast.ID || agents[1].ID != slow.ID {
		t.Fatalf("unexpected order: %+v", agents)
	}
	if agents[0].TotalEarned != "0.200000" {
		t.Fatalf("expected 0.200000 earned, got %s", agents[0].TotalEarned)
	}
	if s := env.Engine.Stats(); s.TotalPaid != "0.200000" || s.CompletedTasks != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Name: "a", WalletAddress: "w", Capabilities: []domain.Category{domain.CategoryCoding}})
	if err != nil {
		t.Fatal(err)
	}
	a.Capabilities[0] = domain.CategoryOther
	got, _ := env.Engine.GetAgent(a.ID)
	if got.Capabilities[0] != domain.CategoryCoding {
		t.Fatalf("registry shared capability slice with caller")
	}
}

func TestJournalFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.Journal.err = errors.New("disk full")
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Name: "a", WalletAddress: "w"}); err != nil {
		t.Fatalf("register should succeed: %v", err)
	}
}

func mustReachSubmitted(t *testing.T, env testEnv, taskID, agentID string) {
	t.Helper()
	if _, err := env.Engine.AcceptTask(env.Ctx, taskID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, taskID, agentID, "done"); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func taskIDs(tasks []domain.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

func TestApproveWithMissingAgentCompletesWithoutCredit(t *testing.T) {
	env := newTestEnv(t)
	env.Prober.outcome = facilitator.Reachable
	ghost := env.registerAgent(t, "ghost")
	other := env.registerAgent(t, "other")
	task := env.createTask(t, "0.5")
	mustReachSubmitted(t, env, task.ID, ghost.ID)
	engine.ForgetAgent(env.Engine, ghost.ID)

	done, err := env.Engine.ApproveTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != domain.StatusCompleted || !strings.HasPrefix(done.PaymentTxID, "stx_") || done.CompletedAt == nil {
		t.Fatalf("unexpected task %+v", done)
	}
	a, _ := env.Engine.GetAgent(other.ID)
	if a.TasksCompleted != 0 || a.TotalEarned != domain.ZeroAmount {
		t.Fatalf("unrelated agent credited: %+v", a)
	}
	if s := env.Engine.Stats(); s.TotalPaid != domain.ZeroAmount || s.CompletedTasks != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	env.Journal.mu.Lock()
	last := env.Journal.events[len(env.Journal.events)-1]
	env.Journal.mu.Unlock()
	if last.Type != events.TaskCompleted || last.Payload["credited"] != false {
		t.Fatalf("unexpected completion event %+v", last)
	}
}

// gatedJournal holds appends of one event type until released.
type gatedJournal struct {
	memJournal
	gate    string
	release chan struct{}
}

func (j *gatedJournal) Append(ctx context.Context, evt events.Event) error {
	if evt.Type == j.gate {
		<-j.release
	}
	return j.memJournal.Append(ctx, evt)
}

func TestJournalKeepsTransitionOrder(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "alpha")
	task := env.createTask(t, "1")
	journal := &gatedJournal{gate: events.TaskAccepted, release: make(chan struct{})}
	env.Engine.Journal = journal

	waitStatus := func(want domain.Status) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if got, _ := env.Engine.GetTask(task.ID); got.Status == want {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("task never reached %s", want)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID); err != nil {
			t.Errorf("accept: %v", err)
		}
	}()
	waitStatus(domain.StatusAssigned)
	go func() {
		defer wg.Done()
		if _, err := env.Engine.SubmitResult(env.Ctx, task.ID, agent.ID, "done"); err != nil {
			t.Errorf("submit: %v", err)
		}
	}()
	waitStatus(domain.StatusSubmitted)
	close(journal.release)
	wg.Wait()

	got := journal.types()
	want := []string{events.TaskAccepted, events.TaskSubmitted}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("journal order = %v, want %v", got, want)
	}
}

func TestEngineLogsUnderComponent(t *testing.T) {
	var out strings.Builder
	eng := engine.New(nil, zerolog.New(&out))
	if _, err := eng.CreateTask(context.Background(), engine.TaskCreateOptions{Title: "t", Description: "d", Bounty: "1", PosterAddress: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out.String(), `"component":"engine"`) {
		t.Fatalf("missing component tag: %s", out.String())
	}
}
