// Copyright 2026 © The Otto Authors
// SPDX-License-Identifier: Apache-2.0

// Command otto runs the agentic core as an interactive assistant: type a
// goal, watch the plan execute, answer confirmation prompts with yes/no.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/otto-voice/otto/pkg/config"
	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/dialogue"
	"github.com/otto-voice/otto/pkg/engine"
	"github.com/otto-voice/otto/pkg/errors"
	"github.com/otto-voice/otto/pkg/guardrails"
	"github.com/otto-voice/otto/pkg/memory"
	"github.com/otto-voice/otto/pkg/memory/ollama"
	"github.com/otto-voice/otto/pkg/memory/qdrant"
	"github.com/otto-voice/otto/pkg/planner"
	"github.com/otto-voice/otto/pkg/registry"
	"github.com/otto-voice/otto/pkg/telemetry"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to config YAML")
	sessionID := flag.String("session", "local", "session id for this run")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("otto", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *sessionID); err != nil {
		fmt.Fprintln(os.Stderr, "otto:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.InitWithConfig("otto", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	metrics, err := telemetry.NewPlanMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := buildMemory(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dlg := dialogue.NewManager(store, dialogue.Options{
		MaxRecentTurns: cfg.Dialogue.RecentTurns,
		RetrievalTopK:  cfg.Dialogue.RetrievalTopK,
	})

	g, sweeper, err := buildGuardrails(cfg)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	reg := registry.New()
	if err := registerDemoTools(reg); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	closeMCP, err := registerMCPTools(ctx, reg, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeMCP(); err != nil {
			logger.Warn("mcp shutdown", slog.String("error", err.Error()))
		}
	}()

	audit, err := buildAudit(cfg)
	if err != nil {
		return err
	}

	p := planner.New(keywordReasoner{}, reg, dlg, planner.WithAuditStore(audit))

	console := newConsoleEmitter(os.Stdout)
	eng := engine.New(reg, g, engineOptions(cfg),
		engine.WithDialogue(dlg),
		engine.WithEventEmitter(console),
		engine.WithAuditStore(audit),
		engine.WithMetrics(metrics),
	)

	return repl(ctx, sessionID, dlg, p, eng, g, store, console)
}

func engineOptions(cfg *config.Config) engine.Options {
	backoff, _ := time.ParseDuration(cfg.Engine.InitialBackoff)
	timeout, _ := time.ParseDuration(cfg.Engine.StepTimeout)
	return engine.Options{
		Workers:        cfg.Engine.Workers,
		MaxRetries:     cfg.Engine.MaxRetries,
		InitialBackoff: backoff,
		StepTimeout:    timeout,
	}
}

func buildMemory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*memory.Store, error) {
	var (
		vectors  memory.VectorStore
		embedder memory.Embedder
	)
	switch cfg.Memory.Provider {
	case "qdrant":
		backend, err := qdrant.New(cfg.Memory.QdrantAddr)
		if err != nil {
			return nil, fmt.Errorf("connect qdrant: %w", err)
		}
		vectors = backend
		embedder = ollama.NewEmbedder(cfg.Memory.EmbedderBaseURL, cfg.Memory.EmbedderModel)
	case "", "inmemory":
		vectors = memory.NewInMemoryVectorStore()
		embedder = &memory.StaticEmbedder{}
	default:
		return nil, fmt.Errorf("unknown memory provider %q", cfg.Memory.Provider)
	}

	store := memory.NewStore(vectors, embedder, cfg.Memory.Collection)
	if err := store.Init(ctx); err != nil {
		// Memory is an enhancer, not a dependency: run degraded.
		logger.Warn("memory unavailable, running without recall", slog.String("error", err.Error()))
		return memory.NewStore(memory.NewInMemoryVectorStore(), &memory.StaticEmbedder{}, cfg.Memory.Collection), nil
	}
	return store, nil
}

func buildGuardrails(cfg *config.Config) (*guardrails.Guardrails, *guardrails.Sweeper, error) {
	ttl, err := time.ParseDuration(cfg.Guardrails.ConfirmationTTL)
	if err != nil || ttl <= 0 {
		ttl = 10 * time.Minute
	}

	opts := []guardrails.Option{
		guardrails.WithBlocklist(cfg.Guardrails.Blocklist...),
		guardrails.WithRateLimiter(guardrails.NewRateLimiter(cfg.Guardrails.RatePerMinute)),
		guardrails.WithConfirmationTTL(ttl),
	}
	if cfg.Guardrails.ConfirmationDB != "" {
		store, err := guardrails.OpenSQLiteConfirmationStore(cfg.Guardrails.ConfirmationDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open confirmation store: %w", err)
		}
		opts = append(opts, guardrails.WithConfirmationStore(store))
	}
	g := guardrails.New(opts...)
	return g, guardrails.NewSweeper(g, ttl/2), nil
}

func buildAudit(cfg *config.Config) (planner.AuditStore, error) {
	if cfg.Guardrails.AuditDB == "" {
		return planner.NewMemoryAuditStore(), nil
	}
	store, err := planner.OpenSQLiteAuditStore(cfg.Guardrails.AuditDB)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return store, nil
}

// registerMCPTools connects to the configured stdio MCP server and registers
// every tool it advertises alongside the built-ins. The returned closer shuts
// the server connection down.
func registerMCPTools(ctx context.Context, reg *registry.Registry, cfg *config.Config, logger *slog.Logger) (func() error, error) {
	if cfg.Tools.MCPCommand == "" {
		return func() error { return nil }, nil
	}

	cl, err := mcpclient.NewStdioMCPClient(cfg.Tools.MCPCommand, nil, cfg.Tools.MCPArgs...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server: %w", err)
	}
	if err := cl.Start(ctx); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "otto", Version: version}
	if _, err := cl.Initialize(initCtx, initReq); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("initialize mcp server: %w", err)
	}

	listed, err := cl.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}

	caller := &mcpCaller{client: cl}
	for _, tool := range listed.Tools {
		adapted, err := registry.NewMCPTool(tool, caller)
		if err != nil {
			logger.Warn("skipping mcp tool", slog.String("tool", tool.Name), slog.String("error", err.Error()))
			continue
		}
		if err := reg.Register(adapted, adapted.Spec()); err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("register mcp tool %q: %w", tool.Name, err)
		}
	}
	logger.Info("mcp tools registered",
		slog.String("command", cfg.Tools.MCPCommand),
		slog.Int("tools", len(listed.Tools)),
	)
	return cl.Close, nil
}

// mcpCaller adapts the mcp-go client to the registry's caller contract.
type mcpCaller struct {
	client *mcpclient.Client
}

func (c *mcpCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return c.client.CallTool(ctx, req)
}

// repl reads goals from stdin and drives the plan lifecycle. Plans execute on
// a background goroutine so yes/no answers and "cancel" stay responsive.
func repl(ctx context.Context, sessionID string, dlg *dialogue.Manager, p *planner.Planner, eng *engine.Engine, g *guardrails.Guardrails, store *memory.Store, console *consoleEmitter) error {
	fmt.Println("otto ready. Type a goal, 'remember <fact>', 'resume <plan-id>', 'cancel', or 'quit'.")

	var (
		execWG       sync.WaitGroup
		activePlanMu sync.Mutex
		activePlanID string
	)
	defer execWG.Wait()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch {
		case line == "quit" || line == "exit":
			return nil

		case line == "yes" || line == "no":
			id := console.takePendingConfirmation()
			if id == "" {
				fmt.Println("nothing is waiting for confirmation")
				continue
			}
			if err := g.Resolve(ctx, id, line == "yes", "user answered "+line); err != nil {
				fmt.Println("confirmation failed:", err)
			}

		case line == "cancel":
			activePlanMu.Lock()
			id := activePlanID
			activePlanMu.Unlock()
			if id == "" {
				fmt.Println("no plan is executing")
				continue
			}
			if err := eng.Cancel(ctx, id, "user cancelled"); err != nil {
				fmt.Println("cancel failed:", err)
			}

		case strings.HasPrefix(line, "resume "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "resume "))
			plan, err := planner.RecoverPlan(ctx, p.Audit(), id)
			if err != nil {
				fmt.Println("could not recover plan:", err)
				continue
			}
			activePlanMu.Lock()
			activePlanID = plan.ID
			activePlanMu.Unlock()
			execWG.Add(1)
			go func() {
				defer execWG.Done()
				done, err := eng.Resume(ctx, plan)
				activePlanMu.Lock()
				activePlanID = ""
				activePlanMu.Unlock()
				if err != nil {
					fmt.Println("\nresume error:", err)
					return
				}
				printResults(done)
			}()

		case strings.HasPrefix(line, "remember "):
			fact := strings.TrimPrefix(line, "remember ")
			id, err := store.Save(ctx, fact, memory.Meta{SessionID: sessionID, Category: "user_fact"}, 0)
			if err != nil {
				fmt.Println("could not save:", err)
				continue
			}
			fmt.Println("remembered", id)

		default:
			entities := extractEntities(line)
			if err := dlg.UpdateState(ctx, sessionID, entities, core.Turn{Role: "user", Text: line}); err != nil {
				fmt.Println("dialogue error:", err)
				continue
			}

			plan, err := p.CreatePlan(ctx, sessionID, line)
			if err != nil {
				if errors.HasCode(err, errors.CodeIncompletePlan) {
					oe := errors.AsOttoError(err)
					fmt.Printf("I need more information: %v\n", oe.Context["missing_params"])
					continue
				}
				fmt.Println("could not plan that:", err)
				continue
			}

			activePlanMu.Lock()
			activePlanID = plan.ID
			activePlanMu.Unlock()

			execWG.Add(1)
			go func() {
				defer execWG.Done()
				done, err := eng.Execute(ctx, plan)
				activePlanMu.Lock()
				activePlanID = ""
				activePlanMu.Unlock()
				if err != nil {
					fmt.Println("\nexecution error:", err)
					return
				}
				printResults(done)
			}()
		}
	}
}

func printResults(plan *planner.Plan) {
	for _, id := range plan.Order {
		step := plan.Steps[id]
		if step.Status == core.StepStatusSucceeded && step.Result != nil {
			fmt.Printf("  %s: %v\n", step.Tool, step.Result.Output)
		}
	}
}

var (
	durationPattern = regexp.MustCompile(`(?i)\b(\d+\s*(?:seconds?|minutes?|hours?|s|m|h))\b`)
	locationPattern = regexp.MustCompile(`(?i)\bin\s+([A-Z][a-zA-Z]+)`)
)

// extractEntities pulls the slots the demo tools need out of a user turn.
// A production deployment replaces this with a proper NLU front end.
func extractEntities(text string) []core.Entity {
	var entities []core.Entity
	if m := durationPattern.FindStringSubmatch(text); m != nil {
		entities = append(entities, core.Entity{Type: "duration", Value: m[1], Confidence: 0.8})
	}
	if m := locationPattern.FindStringSubmatch(text); m != nil {
		entities = append(entities, core.Entity{Type: "location", Value: m[1], Confidence: 0.7})
	}
	return entities
}

// registerDemoTools installs the built-in capabilities.
func registerDemoTools(reg *registry.Registry) error {
	if err := reg.Register(registry.Func{ToolName: "set_timer", Fn: func(ctx context.Context, params map[string]any) (*core.ToolResult, error) {
		duration, _ := params["duration"].(string)
		return &core.ToolResult{Success: true, Output: "timer set for " + duration}, nil
	}}, registry.Spec{
		Name:        "set_timer",
		Description: "Set a countdown timer",
		Params: []registry.Param{
			{Name: "duration", Type: "string", Required: true, Description: "how long, e.g. 10 minutes"},
			{Name: "label", Type: "string", Description: "optional timer label"},
		},
	}); err != nil {
		return err
	}

	if err := reg.Register(registry.Func{ToolName: "get_weather", Fn: func(ctx context.Context, params map[string]any) (*core.ToolResult, error) {
		location, _ := params["location"].(string)
		return &core.ToolResult{Success: true, Output: "sunny and 22C in " + location}, nil
	}}, registry.Spec{
		Name:        "get_weather",
		Description: "Look up the current weather",
		Params: []registry.Param{
			{Name: "location", Type: "string", Required: true},
		},
	}); err != nil {
		return err
	}

	return reg.Register(registry.Func{ToolName: "send_message", Fn: func(ctx context.Context, params map[string]any) (*core.ToolResult, error) {
		to, _ := params["to"].(string)
		return &core.ToolResult{Success: true, Output: "message sent to " + to}, nil
	}}, registry.Spec{
		Name:        "send_message",
		Description: "Send a message to a contact",
		Sensitivity: core.SensitivityConfirm,
		SideEffects: "external",
		Params: []registry.Param{
			{Name: "to", Type: "string", Required: true},
			{Name: "body", Type: "string", Required: true},
		},
	})
}

// keywordReasoner is the built-in goal decomposer: it routes goals to demo
// tools by keyword. Deployments with an LLM plug their own Reasoner into the
// planner instead.
type keywordReasoner struct{}

func (keywordReasoner) Decompose(_ context.Context, req planner.Request) (*planner.Draft, error) {
	goal := strings.ToLower(req.Goal)
	var steps []planner.DraftStep
	if strings.Contains(goal, "timer") || strings.Contains(goal, "remind") {
		steps = append(steps, planner.DraftStep{Tool: "set_timer"})
	}
	if strings.Contains(goal, "weather") {
		steps = append(steps, planner.DraftStep{Tool: "get_weather"})
	}
	if strings.Contains(goal, "message") || strings.Contains(goal, "tell") {
		steps = append(steps, planner.DraftStep{Tool: "send_message", Params: map[string]any{
			"to":   "contact",
			"body": req.Goal,
		}})
	}
	if len(steps) == 0 {
		return nil, errors.Newf(errors.CodeInvalidPlan, "no capability matches goal %q", req.Goal)
	}
	return &planner.Draft{Steps: steps}, nil
}

// consoleEmitter prints progress events and tracks the most recent
// confirmation request so the REPL can resolve it on yes/no.
type consoleEmitter struct {
	mu      sync.Mutex
	out     *os.File
	pending string
}

func newConsoleEmitter(out *os.File) *consoleEmitter {
	return &consoleEmitter{out: out}
}

func (c *consoleEmitter) Emit(_ context.Context, event core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event.Type {
	case core.EventConfirmationRequested:
		id, _ := event.Payload["confirmation_id"].(string)
		c.pending = id
		fmt.Fprintf(c.out, "\n[%s] confirm %v for step %s? (yes/no)\n", event.Type, event.Payload["tool"], event.StepID)
	case core.EventStepStarted, core.EventStepCompleted, core.EventStepFailed, core.EventStepSkipped:
		fmt.Fprintf(c.out, "[%s] %s\n", event.Type, event.StepID)
	default:
		fmt.Fprintf(c.out, "[%s] plan %s\n", event.Type, event.PlanID)
	}
}

func (c *consoleEmitter) takePendingConfirmation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.pending
	c.pending = ""
	return id
}
