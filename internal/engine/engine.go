package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/facilitator"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
)

// Prober reports whether the settlement facilitator can be reached.
type Prober interface {
	Probe(ctx context.Context) facilitator.ProbeOutcome
}

// Journal records lifecycle events. events.Writer satisfies it.
type Journal interface {
	Append(ctx context.Context, evt events.Event) error
}

type taskRecord struct {
	task domain.Task
	seq  uint64
}

type agentRecord struct {
	agent domain.Agent
	seq   uint64
}

// Engine owns every task and agent and applies lifecycle transitions.
// A single lock guards both collections; the facilitator probe runs without it.
type Engine struct {
	Prober       Prober
	ProbeTimeout time.Duration
	Journal      Journal
	Logger       zerolog.Logger
	Now          func() time.Time
	NewID        func() string

	mu     sync.RWMutex
	tasks  map[string]*taskRecord
	agents map[string]*agentRecord
	seq    uint64
	// journalIssued is guarded by mu. Each mutation takes the next ticket and
	// appends only when journalTurn reaches it.
	journalIssued uint64
	journalMu     sync.Mutex
	journalCond   *sync.Cond
	journalTurn   uint64
}

func New(prober Prober, logger zerolog.Logger) *Engine {
	e := &Engine{
		Prober:       prober,
		ProbeTimeout: facilitator.DefaultProbeTimeout,
		Logger:       logging.Component(logger, "engine"),
		Now:          time.Now,
		NewID:        shortID,
		tasks:        map[string]*taskRecord{},
		agents:       map[string]*agentRecord{},
	}
	e.journalCond = sync.NewCond(&e.journalMu)
	return e
}

func shortID() string {
	return uuid.NewString()[:8]
}

func txRef(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// nextID must be called with the write lock held.
func (e *Engine) nextID(taken func(string) bool) string {
	gen := e.NewID
	if gen == nil {
		gen = shortID
	}
	for {
		id := gen()
		if !taken(id) {
			return id
		}
	}
}

// unlockInOrder releases the write lock and returns the function that journals
// the mutation. The returned function must be called exactly once. Appends run
// without the state lock and in the order the mutations were applied.
func (e *Engine) unlockInOrder() func(context.Context, events.Event) {
	if e.Journal == nil {
		e.mu.Unlock()
		return func(context.Context, events.Event) {}
	}
	ticket := e.journalIssued
	e.journalIssued++
	e.mu.Unlock()
	return func(ctx context.Context, evt events.Event) {
		e.journalMu.Lock()
		for e.journalTurn != ticket {
			e.journalCond.Wait()
		}
		e.journalMu.Unlock()

		e.record(ctx, evt)

		e.journalMu.Lock()
		e.journalTurn++
		e.journalCond.Broadcast()
		e.journalMu.Unlock()
	}
}

func (e *Engine) record(ctx context.Context, evt events.Event) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.Append(context.WithoutCancel(ctx), evt); err != nil {
		metrics.JournalWriteFailures.Inc()
		e.Logger.Warn().Err(err).Str("event", evt.Type).Str("entity_id", evt.EntityID).Msg("journal append failed")
	}
}

func (e *Engine) reject(op string, err error) error {
	reason := "other"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrInvalidState):
		reason = "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		reason = "not_assigned"
	case errors.Is(err, ErrAgentNotRegistered):
		reason = "agent_not_registered"
	case errors.Is(err, ErrInvalidInput):
		reason = "invalid_input"
	}
	metrics.TransitionRejections.WithLabelValues(op, reason).Inc()
	e.Logger.Debug().Err(err).Str("op", op).Msg("operation rejected")
	return err
}

// TaskCreateOptions are parameters for posting a task.
type TaskCreateOptions struct {
	Title         string
	Description   string
	Category      domain.Category
	Bounty        string
	PosterAddress string
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	description := strings.TrimSpace(opts.Description)
	poster := strings.TrimSpace(opts.PosterAddress)
	bounty := strings.TrimSpace(opts.Bounty)
	switch {
	case title == "":
		return domain.Task{}, e.reject("create_task", invalidInput("title is required"))
	case description == "":
		return domain.Task{}, e.reject("create_task", invalidInput("description is required"))
	case poster == "":
		return domain.Task{}, e.reject("create_task", invalidInput("posterAddress is required"))
	}
	category, err := domain.ParseCategory(string(opts.Category))
	if err != nil {
		return domain.Task{}, e.reject("create_task", invalidInput("%v", err))
	}
	baseUnits, err := domain.ToBaseUnits(bounty)
	if err != nil {
		return domain.Task{}, e.reject("create_task", fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}

	now := e.now()
	e.mu.Lock()
	id := e.nextID(func(id string) bool { _, ok := e.tasks[id]; return ok })
	e.seq++
	t := domain.Task{
		ID:              id,
		Title:           title,
		Description:     description,
		Category:        category,
		Bounty:          bounty,
		BountyBaseUnits: baseUnits,
		Status:          domain.StatusOpen,
		PosterAddress:   poster,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.tasks[id] = &taskRecord{task: t, seq: e.seq}
	record := e.unlockInOrder()

	metrics.TasksCreated.WithLabelValues(string(category)).Inc()
	e.Logger.Info().Str("task_id", id).Str("category", string(category)).Str("bounty", bounty).Msg("task created")
	record(ctx, events.Event{
		Type:       events.TaskCreated,
		EntityKind: "task",
		EntityID:   id,
		ActorID:    poster,
		Payload:    events.Payload{"title": title, "category": category, "bounty": bounty, "bountyBaseUnits": baseUnits},
	})
	return cloneTask(t), nil
}

// AgentRegisterOptions are parameters for registering an agent.
type AgentRegisterOptions struct {
	Name          string
	WalletAddress string
	Capabilities  []domain.Category
}

func (e *Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	name := strings.TrimSpace(opts.Name)
	wallet := strings.TrimSpace(opts.WalletAddress)
	if name == "" {
		return domain.Agent{}, e.reject("register_agent", invalidInput("name is required"))
	}
	if wallet == "" {
		return domain.Agent{}, e.reject("register_agent", invalidInput("walletAddress is required"))
	}
	caps, err := normalizeCapabilities(opts.Capabilities)
	if err != nil {
		return domain.Agent{}, e.reject("register_agent", err)
	}

	now := e.now()
	e.mu.Lock()
	id := e.nextID(func(id string) bool { _, ok := e.agents[id]; return ok })
	e.seq++
	a := domain.Agent{
		ID:            id,
		Name:          name,
		WalletAddress: wallet,
		Capabilities:  caps,
		TotalEarned:   domain.ZeroAmount,
		RegisteredAt:  now,
		LastActiveAt:  now,
	}
	e.agents[id] = &agentRecord{agent: a, seq: e.seq}
	record := e.unlockInOrder()

	metrics.AgentsRegistered.Inc()
	e.Logger.Info().Str("agent_id", id).Str("name", name).Msg("agent registered")
	record(ctx, events.Event{
		Type:       events.AgentRegistered,
		EntityKind: "agent",
		EntityID:   id,
		ActorID:    id,
		Payload:    events.Payload{"name": name, "walletAddress": wallet, "capabilities": caps},
	})
	return cloneAgent(a), nil
}

func normalizeCapabilities(in []domain.Category) ([]domain.Category, error) {
	if len(in) == 0 {
		return []domain.Category{domain.CategoryOther}, nil
	}
	seen := map[domain.Category]bool{}
	out := make([]domain.Category, 0, len(in))
	for _, raw := range in {
		c, err := domain.ParseCategory(string(raw))
		if err != nil {
			return nil, invalidInput("%v", err)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) GetTask(id string) (domain.Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.tasks[id]
	if !ok {
		return domain.Task{}, &NotFoundError{Entity: "task", ID: id}
	}
	return cloneTask(rec.task), nil
}

func (e *Engine) GetAgent(id string) (domain.Agent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.agents[id]
	if !ok {
		return domain.Agent{}, &NotFoundError{Entity: "agent", ID: id}
	}
	return cloneAgent(rec.agent), nil
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status   domain.Status
	Category domain.Category
}

// ListTasks returns matching tasks, newest first.
func (e *Engine) ListTasks(f TaskFilter) []domain.Task {
	e.mu.RLock()
	recs := make([]*taskRecord, 0, len(e.tasks))
	for _, rec := range e.tasks {
		if f.Status != "" && rec.task.Status != f.Status {
			continue
		}
		if f.Category != "" && rec.task.Category != f.Category {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.After(b.task.CreatedAt)
		}
		return a.seq > b.seq
	})
	out := make([]domain.Task, len(recs))
	for i, rec := range recs {
		out[i] = cloneTask(rec.task)
	}
	e.mu.RUnlock()
	return out
}

// ListAgents returns agents ordered by completed task count, highest first.
func (e *Engine) ListAgents() []domain.Agent {
	e.mu.RLock()
	recs := make([]*agentRecord, 0, len(e.agents))
	for _, rec := range e.agents {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.agent.TasksCompleted != b.agent.TasksCompleted {
			return a.agent.TasksCompleted > b.agent.TasksCompleted
		}
		return a.seq < b.seq
	})
	out := make([]domain.Agent, len(recs))
	for i, rec := range recs {
		out[i] = cloneAgent(rec.agent)
	}
	e.mu.RUnlock()
	return out
}

// AcceptTask moves an open task to assigned.
func (e *Engine) AcceptTask(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	now := e.now()
	e.mu.Lock()
	rec, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, e.reject("accept_task", &NotFoundError{Entity: "task", ID: taskID})
	}
	if rec.task.Status != domain.StatusOpen {
		err := &InvalidStateError{TaskID: taskID, Current: rec.task.Status, Want: domain.StatusOpen}
		e.mu.Unlock()
		return domain.Task{}, e.reject("accept_task", err)
	}
	agent, ok := e.agents[agentID]
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, e.reject("accept_task", fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentID))
	}
	rec.task.AssignedAgent = agentID
	rec.task.Status = domain.StatusAssigned
	rec.task.UpdatedAt = now
	agent.agent.LastActiveAt = now
	t := cloneTask(rec.task)
	record := e.unlockInOrder()

	metrics.TaskTransitions.WithLabelValues(string(domain.StatusAssigned)).Inc()
	e.Logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Msg("task accepted")
	record(ctx, events.Event{Type: events.TaskAccepted, EntityKind: "task", EntityID: taskID, ActorID: agentID})
	return t, nil
}

// SubmitResult moves an assigned task to submitted. Only the assigned agent may submit.
func (e *Engine) SubmitResult(ctx context.Context, taskID, agentID, result string) (domain.Task, error) {
	if strings.TrimSpace(result) == "" {
		return domain.Task{}, e.reject("submit_result", invalidInput("result is required"))
	}
	now := e.now()
	e.mu.Lock()
	rec, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, e.reject("submit_result", &NotFoundError{Entity: "task", ID: taskID})
	}
	if rec.task.Status != domain.StatusAssigned {
		err := &InvalidStateError{TaskID: taskID, Current: rec.task.Status, Want: domain.StatusAssigned}
		e.mu.Unlock()
		return domain.Task{}, e.reject("submit_result", err)
	}
	if rec.task.AssignedAgent != agentID {
		e.mu.Unlock()
		return domain.Task{}, e.reject("submit_result", &NotAssignedError{TaskID: taskID, AgentID: agentID})
	}
	rec.task.Result = result
	rec.task.Status = domain.StatusSubmitted
	rec.task.UpdatedAt = now
	t := cloneTask(rec.task)
	record := e.unlockInOrder()

	metrics.TaskTransitions.WithLabelValues(string(domain.StatusSubmitted)).Inc()
	e.Logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Int("result_len", len(result)).Msg("result submitted")
	record(ctx, events.Event{
		Type:       events.TaskSubmitted,
		EntityKind: "task",
		EntityID:   taskID,
		ActorID:    agentID,
		Payload:    events.Payload{"resultLength": len(result)},
	})
	return t, nil
}

// ApproveTask completes a submitted task and settles its bounty. Facilitator
// failures fall back to a simulated settlement and are never returned.
func (e *Engine) ApproveTask(ctx context.Context, taskID string) (domain.Task, error) {
	e.mu.RLock()
	rec, ok := e.tasks[taskID]
	if !ok {
		e.mu.RUnlock()
		return domain.Task{}, e.reject("approve_task", &NotFoundError{Entity: "task", ID: taskID})
	}
	if rec.task.Status != domain.StatusSubmitted {
		err := &InvalidStateError{TaskID: taskID, Current: rec.task.Status, Want: domain.StatusSubmitted}
		e.mu.RUnlock()
		return domain.Task{}, e.reject("approve_task", err)
	}
	e.mu.RUnlock()

	outcome := e.probe(ctx)
	settlement, ref := settle(outcome)
	if settlement == domain.SettlementSimulated {
		e.Logger.Warn().Str("task_id", taskID).Str("probe", outcome.String()).Msg("facilitator unavailable, simulating settlement")
	}

	now := e.now()
	e.mu.Lock()
	if rec.task.Status != domain.StatusSubmitted {
		err := &InvalidStateError{TaskID: taskID, Current: rec.task.Status, Want: domain.StatusSubmitted}
		e.mu.Unlock()
		return domain.Task{}, e.reject("approve_task", err)
	}
	rec.task.Status = domain.StatusCompleted
	rec.task.PaymentTxID = ref
	rec.task.Settlement = settlement
	rec.task.UpdatedAt = now
	completed := now
	rec.task.CompletedAt = &completed
	agentID := rec.task.AssignedAgent
	credited := false
	if agent, ok := e.agents[agentID]; ok {
		agent.agent.TasksCompleted++
		agent.agent.TotalEarned = domain.AddAmounts(agent.agent.TotalEarned, rec.task.Bounty)
		agent.agent.LastActiveAt = now
		credited = true
	}
	t := cloneTask(rec.task)
	record := e.unlockInOrder()

	metrics.TaskTransitions.WithLabelValues(string(domain.StatusCompleted)).Inc()
	metrics.Settlements.WithLabelValues(string(settlement)).Inc()
	log := e.Logger.Info().Str("task_id", taskID).Str("tx_id", ref).Str("settlement", string(settlement)).Str("bounty", t.Bounty)
	if !credited {
		log = log.Bool("agent_missing", true)
	}
	log.Msg("task approved")
	record(ctx, events.Event{
		Type:       events.TaskCompleted,
		EntityKind: "task",
		EntityID:   taskID,
		ActorID:    agentID,
		Payload:    events.Payload{"paymentTxId": ref, "settlement": settlement, "bounty": t.Bounty, "credited": credited},
	})
	return t, nil
}

// probe never outlives ProbeTimeout and ignores caller cancellation.
func (e *Engine) probe(ctx context.Context) facilitator.ProbeOutcome {
	if e.Prober == nil {
		return facilitator.Unreachable
	}
	timeout := e.ProbeTimeout
	if timeout <= 0 {
		timeout = facilitator.DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	start := time.Now()
	outcome := e.Prober.Probe(ctx)
	if outcome != facilitator.TimedOut && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome = facilitator.TimedOut
	}
	metrics.FacilitatorProbeDuration.Observe(time.Since(start).Seconds())
	metrics.FacilitatorProbes.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func settle(outcome facilitator.ProbeOutcome) (domain.Settlement, string) {
	switch outcome {
	case facilitator.Reachable:
		return domain.SettlementLive, txRef("stx")
	default:
		return domain.SettlementSimulated, txRef("sim")
	}
}

// Stats is computed from the current registry contents.
func (e *Engine) Stats() domain.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := domain.Stats{TotalTasks: len(e.tasks), TotalAgents: len(e.agents), TotalPaid: domain.ZeroAmount}
	for _, rec := range e.tasks {
		switch rec.task.Status {
		case domain.StatusOpen:
			s.OpenTasks++
		case domain.StatusCompleted:
			s.CompletedTasks++
		}
	}
	for _, rec := range e.agents {
		s.TotalPaid = domain.AddAmounts(s.TotalPaid, rec.agent.TotalEarned)
	}
	return s
}

func cloneTask(t domain.Task) domain.Task {
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		t.CompletedAt = &c
	}
	return t
}

func cloneAgent(a domain.Agent) domain.Agent {
	a.Capabilities = append([]domain.Category(nil), a.Capabilities...)
	return a
}
