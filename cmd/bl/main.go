package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/facilitator"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/server"
	bountylinesdk "bountyline/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline is a marketplace where posters put bounties on tasks and agents earn them.
Core concepts:
- Task: a unit of work with a bounty in STX. It moves open -> assigned -> submitted -> completed.
- Agent: a registered worker with a wallet. Only registered agents can accept tasks.
- Approval: the poster approves a submitted result and the bounty is credited to the agent.
- Settlement: live when the x402 facilitator answers its health probe, simulated otherwise.
- Journal: optional sqlite log of lifecycle events, view with 'bl log tail'.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("api-url", "http://127.0.0.1:3003", "API server URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token for mutating requests")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "config file (serve, token)")
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(facilitatorCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(demoCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath, eventsPath, facilitatorURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the REST API under the base path, MCP tools at /mcp, metrics at /metrics, OpenAPI at /openapi.json and Swagger UI at /docs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if cmd.Flags().Changed("events-db") {
				cfg.Events.Path = eventsPath
			}
			if cmd.Flags().Changed("facilitator-url") {
				cfg.Facilitator.URL = facilitatorURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg, app.Options{Version: version})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().StringVar(&eventsPath, "events-db", "", "journal database path (overrides config)")
	cmd.Flags().StringVar(&facilitatorURL, "facilitator-url", "", "facilitator URL (overrides config)")
	return cmd
}

// loadServeConfig reads the config file and applies BOUNTYLINE_* environment overrides.
func loadServeConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("facilitator-url"); v != "" {
		cfg.Facilitator.URL = v
	}
	if v := viper.GetString("facilitator-network"); v != "" {
		cfg.Facilitator.Network = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("events-path"); v != "" {
		cfg.Events.Path = v
	}
	return cfg, cfg.Validate()
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry a bounty and flow open -> assigned -> submitted -> completed. Only the assigned agent may submit; approval settles the bounty.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskAcceptCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskApproveCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in bountylinesdk.CreateTaskInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Category, "category", "", "category (defaults to other)")
	cmd.Flags().StringVar(&in.Bounty, "bounty", "", "bounty in STX, e.g. 0.005")
	cmd.Flags().StringVar(&in.PosterAddress, "poster", "", "poster wallet address")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("bounty")
	_ = cmd.MarkFlagRequired("poster")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f bountylinesdk.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := newClient().ListTasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(tasks)
			}
			renderTasks(os.Stdout, tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
}

func taskAcceptCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept an open task for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().AcceptTask(cmd.Context(), args[0], agentID)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var agentID, result, resultFile string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a result for an assigned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resultFile != "" {
				data, err := os.ReadFile(resultFile)
				if err != nil {
					return err
				}
				result = string(data)
			}
			if strings.TrimSpace(result) == "" {
				return fmt.Errorf("--result or --result-file required")
			}
			t, err := newClient().SubmitResult(cmd.Context(), args[0], agentID, result)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&result, "result", "", "result text")
	cmd.Flags().StringVar(&resultFile, "result-file", "", "read the result from a file")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a submitted result and settle the bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().ApproveTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentGetCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var in bountylinesdk.RegisterAgentInput
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newClient().RegisterAgent(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSONOrTable(a)
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "agent name")
	cmd.Flags().StringVar(&in.WalletAddress, "wallet", "", "wallet address")
	cmd.Flags().StringSliceVar(&in.Capabilities, "capability", nil, "capability category (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents by completed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := newClient().ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(agents)
			}
			renderAgents(os.Stdout, agents)
			return nil
		},
	}
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newClient().GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(a)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show marketplace statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			fmt.Printf("Tasks: %d (open %d, completed %d)\n", s.TotalTasks, s.OpenTasks, s.CompletedTasks)
			fmt.Printf("Agents: %d\n", s.TotalAgents)
			fmt.Printf("Paid: %s STX\n", s.TotalPaid)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(h)
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "Lifecycle events recorded by the server when a journal is configured.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logShowCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f bountylinesdk.EventFilter
	var dbPath string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		Long:  "Reads the journal through the API, or straight from the database file with --events-db.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var evts []bountylinesdk.Event
			var err error
			if dbPath != "" {
				evts, err = tailJournal(cmd.Context(), dbPath, f)
			} else {
				evts, err = newClient().Events(cmd.Context(), f)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(evts)
			}
			renderEvents(os.Stdout, evts)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&dbPath, "events-db", "", "read this journal database instead of the API")
	return cmd
}

// openJournal opens an existing journal for reading. It never migrates: a
// database without the schema is reported instead of initialized.
func openJournal(ctx context.Context, path string) (repo.Repo, func() error, error) {
	if _, err := os.Stat(path); err != nil {
		return repo.Repo{}, nil, err
	}
	conn, err := db.Open(db.Config{Path: path})
	if err != nil {
		return repo.Repo{}, nil, err
	}
	if _, err := migrate.Version(ctx, conn); err != nil {
		conn.Close()
		return repo.Repo{}, nil, fmt.Errorf("%s is not a bountyline journal: %w", path, err)
	}
	return repo.Repo{DB: conn}, conn.Close, nil
}

func tailJournal(ctx context.Context, path string, f bountylinesdk.EventFilter) ([]bountylinesdk.Event, error) {
	r, closeFn, err := openJournal(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	items, err := r.LatestEvents(ctx, repo.EventFilter{
		Limit:      f.Limit,
		Type:       f.Type,
		EntityKind: f.EntityKind,
		EntityID:   f.EntityID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]bountylinesdk.Event, 0, len(items))
	for _, it := range items {
		out = append(out, journalEvent(it))
	}
	return out, nil
}

func journalEvent(it domain.Event) bountylinesdk.Event {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(it.Payload), &payload)
	return bountylinesdk.Event{
		ID:         it.ID,
		TS:         it.TS,
		Type:       it.Type,
		EntityKind: it.EntityKind,
		EntityID:   it.EntityID,
		ActorID:    it.ActorID,
		Payload:    payload,
	}
}

func logShowCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one event",
		Long:  "Reads one event through the API, or straight from the database file with --events-db.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			var evt bountylinesdk.Event
			if dbPath != "" {
				evt, err = showJournalEvent(cmd.Context(), dbPath, id)
			} else {
				evt, err = newClient().Event(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			return writeJSONOrTable(cmd.OutOrStdout(), evt)
		},
	}
	cmd.Flags().StringVar(&dbPath, "events-db", "", "read this journal database instead of the API")
	return cmd
}

func showJournalEvent(ctx context.Context, path string, id int64) (bountylinesdk.Event, error) {
	r, closeFn, err := openJournal(ctx, path)
	if err != nil {
		return bountylinesdk.Event{}, err
	}
	defer closeFn()
	it, err := r.GetEvent(ctx, id)
	if err != nil {
		return bountylinesdk.Event{}, fmt.Errorf("event %d: %w", id, err)
	}
	return journalEvent(it), nil
}

func facilitatorCmd() *cobra.Command {
	fac := &cobra.Command{
		Use:   "facilitator",
		Short: "Talk to the x402 facilitator",
		Long:  "Queries the facilitator configured under facilitator.url. Settle and verify use facilitator.network.",
	}
	fac.AddCommand(&cobra.Command{
		Use:   "supported",
		Short: "List supported schemes, networks and assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newFacilitator()
			if err != nil {
				return err
			}
			resp, err := c.Supported(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSONOrTable(cmd.OutOrStdout(), resp)
		},
	})
	fac.AddCommand(&cobra.Command{
		Use:   "tx <tx-id>",
		Short: "Show the status of a settled transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newFacilitator()
			if err != nil {
				return err
			}
			resp, err := c.TxStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSONOrTable(cmd.OutOrStdout(), resp)
		},
	})
	fac.AddCommand(facilitatorVerifyCmd())
	fac.AddCommand(facilitatorSettleCmd())
	return fac
}

func facilitatorVerifyCmd() *cobra.Command {
	var payloadPath, payTo, amount, resource string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed payment payload against a bounty",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := newFacilitator()
			if err != nil {
				return err
			}
			payload, err := readPaymentPayload(payloadPath)
			if err != nil {
				return err
			}
			baseUnits, err := domain.ToBaseUnits(amount)
			if err != nil {
				return err
			}
			resp, err := c.Verify(cmd.Context(), payload, facilitator.PaymentRequirement{
				Scheme:            "exact",
				Network:           cfg.Facilitator.Network,
				Asset:             "STX",
				MaxAmountRequired: baseUnits,
				PayTo:             payTo,
				Resource:          resource,
			})
			if err != nil {
				return err
			}
			return writeJSONOrTable(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "", "JSON file with the signed payment payload")
	cmd.Flags().StringVar(&payTo, "pay-to", "", "recipient wallet address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in STX, e.g. 0.005")
	cmd.Flags().StringVar(&resource, "resource", "", "resource the payment unlocks")
	_ = cmd.MarkFlagRequired("payload")
	_ = cmd.MarkFlagRequired("pay-to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func facilitatorSettleCmd() *cobra.Command {
	var payloadPath string
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Broadcast a verified payment payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := newFacilitator()
			if err != nil {
				return err
			}
			payload, err := readPaymentPayload(payloadPath)
			if err != nil {
				return err
			}
			resp, err := c.Settle(cmd.Context(), payload, cfg.Facilitator.Network)
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("settlement failed: %s", resp.Error)
			}
			return writeJSONOrTable(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "", "JSON file with the signed payment payload")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newFacilitator() (*facilitator.Client, *config.Config, error) {
	cfg, err := loadServeConfig()
	if err != nil {
		return nil, nil, err
	}
	return facilitator.New(cfg.Facilitator.URL, cfg.Facilitator.ProbeTimeout), cfg, nil
}

func readPaymentPayload(path string) (facilitator.PaymentPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload facilitator.PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse payload %s: %w", path, err)
	}
	return payload, nil
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("no jwt secret configured; set auth.jwt_secret or BOUNTYLINE_JWT_SECRET")
			}
			token, err := server.IssueToken(cfg.Auth.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Server configuration",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print an annotated config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.Sample())
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadServeConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			fmt.Printf("Config OK (addr %s, base path %s)\n", c.Server.Addr, c.Server.BasePath)
			return nil
		},
	})
	return cfg
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Walk one task through the full lifecycle against the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), newClient(), os.Stdout)
		},
	}
}

// runDemo registers an agent, posts a task and drives it to completion.
func runDemo(ctx context.Context, c *bountylinesdk.Client, w io.Writer) error {
	agent, err := c.RegisterAgent(ctx, bountylinesdk.RegisterAgentInput{
		Name:          "demo-summarizer",
		WalletAddress: "ST2CY5V39NHDPWSXMW9QDT3HC3GD6Q6XX4CFRK9AG",
		Capabilities:  []string{"summarization"},
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	fmt.Fprintf(w, "registered agent %s (%s)\n", agent.ID, agent.Name)

	task, err := c.CreateTask(ctx, bountylinesdk.CreateTaskInput{
		Title:         "Summarize the x402 payment flow",
		Description:   "Two paragraphs, plain English",
		Category:      "summarization",
		Bounty:        "0.005",
		PosterAddress: "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM",
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Fprintf(w, "posted task %s with bounty %s STX\n", task.ID, task.Bounty)

	if _, err := c.AcceptTask(ctx, task.ID, agent.ID); err != nil {
		return fmt.Errorf("accept task: %w", err)
	}
	fmt.Fprintf(w, "agent %s accepted task %s\n", agent.ID, task.ID)
	if _, err := c.SubmitResult(ctx, task.ID, agent.ID, "x402 lets a server ask for payment with HTTP 402 and a facilitator settles it."); err != nil {
		return fmt.Errorf("submit result: %w", err)
	}
	fmt.Fprintf(w, "result submitted\n")
	done, err := c.ApproveTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("approve task: %w", err)
	}
	fmt.Fprintf(w, "approved: tx %s (%s)\n", done.PaymentTxID, done.Settlement)

	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Fprintf(w, "marketplace paid %s STX across %d completed tasks\n", stats.TotalPaid, stats.CompletedTasks)
	return nil
}

// --- helpers ---

func newClient() *bountylinesdk.Client {
	c := bountylinesdk.New(viper.GetString("api-url"))
	c.BearerToken = viper.GetString("token")
	return c
}

func renderTasks(w io.Writer, tasks []bountylinesdk.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Title", "Category", "Bounty", "Status", "Agent", "Tx"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Category, t.Bounty, t.Status, t.AssignedAgent, t.PaymentTxID})
	}
	tw.Render()
}

func renderAgents(w io.Writer, agents []bountylinesdk.Agent) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Wallet", "Completed", "Earned"})
	for _, a := range agents {
		tw.AppendRow(table.Row{a.ID, a.Name, a.WalletAddress, a.TasksCompleted, a.TotalEarned})
	}
	tw.Render()
}

func renderEvents(w io.Writer, evts []bountylinesdk.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	return writeJSONOrTable(os.Stdout, v)
}

func writeJSONOrTable(w io.Writer, v any) error {
	if viper.GetBool("json") {
		return writeJSON(w, v)
	}
	return renderKeyValues(w, v)
}

// renderKeyValues prints the JSON fields of v as a two column table, sorted by name.
func renderKeyValues(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k, formatField(fields[k])})
	}
	tw.Render()
	return nil
}

func formatField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
