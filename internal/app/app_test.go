package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/events"
	"bountyline/internal/repo"
	"bountyline/internal/server"
)

type hookReceiver struct {
	mu    sync.Mutex
	types []string
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.types = append(h.types, r.Header.Get("X-Bountyline-Event"))
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookReceiver) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.types...)
}

func startApp(t *testing.T, cfg *config.Config) (*App, string) {
	t.Helper()
	a, err := Build(context.Background(), cfg, Options{Version: "test", LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
		a.Close()
	})
	return a, "http://" + ln.Addr().String()
}

func post(t *testing.T, url string, body any, out any) {
	t.Helper()
	data, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		raw, _ := io.ReadAll(res.Body)
		t.Fatalf("post %s: status %d: %s", url, res.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
}

func TestBuildWithJournalAndWebhooks(t *testing.T) {
	facilitatorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer facilitatorSrv.Close()
	receiver := &hookReceiver{}
	hookSrv := httptest.NewServer(receiver)
	defer hookSrv.Close()

	cfg := config.Default()
	cfg.Facilitator.URL = facilitatorSrv.URL
	cfg.Events.Path = filepath.Join(t.TempDir(), "data", "journal.db")
	cfg.Webhooks = []config.WebhookConfig{{URL: hookSrv.URL, Events: []string{events.TaskCompleted}}}
	cfg.WebhooksInterval = 20 * time.Millisecond

	a, base := startApp(t, cfg)
	if a.Repo == nil {
		t.Fatal("expected journal repo")
	}

	var agent domain.Agent
	post(t, base+"/v1/agents/register", map[string]any{"name": "alpha", "walletAddress": "ST1ALPHA"}, &agent)
	var task domain.Task
	post(t, base+"/v1/tasks", map[string]any{
		"title": "Summarize", "description": "Paper", "bounty": "0.25", "posterAddress": "ST1POSTER",
	}, &task)
	post(t, base+"/v1/tasks/"+task.ID+"/accept", map[string]any{"agentId": agent.ID}, nil)
	post(t, base+"/v1/tasks/"+task.ID+"/submit", map[string]any{"agentId": agent.ID, "result": "done"}, nil)
	var done domain.Task
	post(t, base+"/v1/tasks/"+task.ID+"/approve", nil, &done)
	if done.Settlement != domain.SettlementLive || !strings.HasPrefix(done.PaymentTxID, "stx_") {
		t.Fatalf("expected live settlement, got %+v", done)
	}

	evts, err := a.Repo.LatestEvents(context.Background(), repo.EventFilter{EntityID: task.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 4 || evts[0].Type != events.TaskCompleted {
		t.Fatalf("unexpected journal %+v", evts)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := receiver.seen(); len(got) == 1 {
			if got[0] != events.TaskCompleted {
				t.Fatalf("unexpected delivery %v", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("webhook not delivered, got %v", receiver.seen())
}

func TestBuildWithoutJournalSimulates(t *testing.T) {
	cfg := config.Default()
	cfg.Facilitator.URL = "http://127.0.0.1:1"
	cfg.Facilitator.ProbeTimeout = 200 * time.Millisecond

	a, base := startApp(t, cfg)
	if a.Repo != nil {
		t.Fatal("journal should be disabled")
	}
	var agent domain.Agent
	post(t, base+"/v1/agents/register", map[string]any{"name": "beta", "walletAddress": "ST1BETA"}, &agent)
	var task domain.Task
	post(t, base+"/v1/tasks", map[string]any{
		"title": "Translate", "description": "Readme", "bounty": "1", "posterAddress": "ST1POSTER", "category": "translation",
	}, &task)
	post(t, base+"/v1/tasks/"+task.ID+"/accept", map[string]any{"agentId": agent.ID}, nil)
	post(t, base+"/v1/tasks/"+task.ID+"/submit", map[string]any{"agentId": agent.ID, "result": "ok"}, nil)
	var done domain.Task
	post(t, base+"/v1/tasks/"+task.ID+"/approve", nil, &done)
	if done.Settlement != domain.SettlementSimulated || !strings.HasPrefix(done.PaymentTxID, "sim_") {
		t.Fatalf("expected simulated settlement, got %+v", done)
	}

	res, err := http.Get(base + "/v1/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer res.Body.Close()
	var list struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if res.StatusCode != http.StatusOK || list.Count != 0 {
		t.Fatalf("expected empty event list without a journal, got %d/%d", res.StatusCode, list.Count)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = ""
	if _, err := Build(context.Background(), cfg, Options{LogOutput: io.Discard}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMCPToolCallsRequireTokenWhenAuthEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Facilitator.URL = "http://127.0.0.1:1"
	cfg.Facilitator.ProbeTimeout = 200 * time.Millisecond
	cfg.Auth.JWTSecret = "app-secret"
	a, base := startApp(t, cfg)

	ctx := context.Background()
	agent, err := a.Engine.RegisterAgent(ctx, engine.AgentRegisterOptions{Name: "gamma", WalletAddress: "ST1GAMMA"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	task, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{Title: "t", Description: "d", Bounty: "1", PosterAddress: "ST1POSTER"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Engine.AcceptTask(ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := a.Engine.SubmitResult(ctx, task.ID, agent.ID, "done"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"approve_task","arguments":{"task_id":"` + task.ID + `"}}}`
	send := func(authz string) int {
		req, _ := http.NewRequest(http.MethodPost, base+"/mcp", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("mcp: %v", err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		return res.StatusCode
	}

	if status := send(""); status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated tool call status %d", status)
	}
	if status := send("Bearer forged"); status != http.StatusUnauthorized {
		t.Fatalf("forged token status %d", status)
	}
	if got, _ := a.Engine.GetTask(task.ID); got.Status != domain.StatusSubmitted {
		t.Fatalf("task changed without a token: %s", got.Status)
	}

	token, err := server.IssueToken(cfg.Auth.JWTSecret, "operator", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if status := send("Bearer " + token); status == http.StatusUnauthorized {
		t.Fatal("valid token rejected")
	}
}
