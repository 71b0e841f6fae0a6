package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/agent"
	"github.com/deepnoodle-ai/conductor/postgres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]

	switch command {
	case "create":
		runCreate(args)
	case "show":
		runShow(args)
	case "checkpoints":
		runCheckpoints(args)
	case "rollback":
		runRollback(args)
	case "human-input":
		runHumanInput(args)
	case "orchestrate":
		runOrchestrate(args)
	case "work":
		runWork(args)
	case "run":
		runLocal(args)
	case "help", "-h", "--help":
		usage()
	default:
		color.Red("Error: unknown command %q", command)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Conductor - event-driven workflow orchestration

Usage: %s <command> [options]

Commands:
  create       Submit a new workflow from a plan file
  show         Show a workflow and its subtasks
  checkpoints  List a workflow's checkpoints, newest first
  rollback     Roll a workflow back to a checkpoint
  human-input  Answer a subtask waiting for human input
  orchestrate  Run the orchestrator event loop
  work         Run a script-backed agent worker
  run          Run a plan end to end in-process (no database)

Most commands need -db with a PostgreSQL connection string. The run
command keeps everything in memory and needs no database.

Use '%s <command> -h' for command options.
`, os.Args[0], os.Args[0])
}

// backend bundles the store and channel a command operates against.
type backend struct {
	store   conductor.Store
	channel conductor.EventChannel
	db      *sql.DB
}

func openBackend(ctx context.Context, dsn string, logger *slog.Logger) *backend {
	if dsn == "" {
		color.Red("Error: -db connection string is required")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}
	store, err := postgres.NewStore(postgres.StoreOptions{DB: db, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	channel, err := postgres.NewChannel(postgres.ChannelOptions{DB: db, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to create channel: %v", err)
	}
	return &backend{store: store, channel: channel, db: db}
}

func (b *backend) close() {
	if b.db != nil {
		b.db.Close()
	}
}

func runCreate(args []string) {
	flags := flag.NewFlagSet("create", flag.ExitOnError)
	dsn := flags.String("db", os.Getenv("CONDUCTOR_DB"), "PostgreSQL connection string")
	file := flags.String("file", "", "Path to the plan file (JSON or YAML, required)")
	prompt := flags.String("prompt", "", "User prompt the plan addresses")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	flags.Parse(args)

	if *file == "" {
		color.Red("Error: plan file is required")
		flags.Usage()
		os.Exit(1)
	}
	dag, err := conductor.LoadPlanFile(*file)
	if err != nil {
		log.Fatalf("Failed to load plan: %v", err)
	}

	ctx := context.Background()
	b := openBackend(ctx, *dsn, setupLogger(*verbose))
	defer b.close()

	workflowID := conductor.NewWorkflowID()
	err = b.channel.Publish(ctx, conductor.StreamWorkflowEvents, &conductor.TaskCreated{
		WorkflowID:  workflowID,
		UserPrompt:  *prompt,
		InitialPlan: planDocument(dag),
	})
	if err != nil {
		log.Fatalf("Failed to publish task: %v", err)
	}
	color.Green("Submitted workflow %s (%d subtasks)", workflowID, dag.Len())
}

func runShow(args []string) {
	flags := flag.NewFlagSet("show", flag.ExitOnError)
	dsn := flags.String("db", os.Getenv("CONDUCTOR_DB"), "PostgreSQL connection string")
	workflowID := flags.String("workflow", "", "Workflow id (required)")
	asJSON := flags.Bool("json", false, "Output as JSON")
	flags.Parse(args)

	if *workflowID == "" {
		color.Red("Error: workflow id is required")
		os.Exit(1)
	}
	ctx := context.Background()
	b := openBackend(ctx, *dsn, setupLogger(false))
	defer b.close()

	detail, err := b.store.GetWorkflowWithSubtasks(ctx, *workflowID)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}
	if *asJSON {
		encoded, err := json.MarshalIndent(detail, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode workflow: %v", err)
		}
		fmt.Println(string(encoded))
		return
	}
	color.Cyan("Workflow: %s", detail.Workflow.ID)
	if detail.Workflow.Prompt != "" {
		color.White("Prompt: %s", detail.Workflow.Prompt)
	}
	fmt.Printf("Status: %s\nUpdated: %s\n\n",
		statusColor(string(detail.Workflow.Status)),
		detail.Workflow.UpdatedAt.Format(time.RFC3339))
	for _, sub := range detail.Subtasks {
		fmt.Printf("  %-14s %-24s %s", statusColor(string(sub.Status)), sub.ID, sub.Name)
		if len(sub.DependsOn) > 0 {
			fmt.Printf("  (after %v)", sub.DependsOn)
		}
		if sub.ErrorMessage != "" {
			fmt.Printf("  %s", color.RedString(sub.ErrorMessage))
		}
		fmt.Println()
	}
}

func runCheckpoints(args []string) {
	flags := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	dsn := flags.String("db", os.Getenv("CONDUCTOR_DB"), "PostgreSQL connection string")
	workflowID := flags.String("workflow", "", "Workflow id (required)")
	flags.Parse(args)

	if *workflowID == "" {
		color.Red("Error: workflow id is required")
		os.Exit(1)
	}
	ctx := context.Background()
	b := openBackend(ctx, *dsn, setupLogger(false))
	defer b.close()

	checkpoints, err := b.store.ListCheckpoints(ctx, *workflowID)
	if err != nil {
		log.Fatalf("Failed to list checkpoints: %v", err)
	}
	if len(checkpoints) == 0 {
		color.Blue("No checkpoints")
		return
	}
	for _, checkpoint := range checkpoints {
		fmt.Printf("%s  %s  subtask=%s  %s\n",
			checkpoint.CreatedAt.Format(time.RFC3339),
			color.CyanString(checkpoint.ID),
			checkpoint.SubtaskID,
			checkpoint.Reason)
	}
}

func runRollback(args []string) {
	flags := flag.NewFlagSet("rollback", flag.ExitOnError)
	dsn := flags.String("db", os.Getenv("CONDUCTOR_DB"), "PostgreSQL connection string")
	workflowID := flags.String("workflow", "", "Workflow id (required)")
	checkpointID := flags.String("checkpoint", "", "Checkpoint id (required)")
	directive := flags.String("directive", "", "New directive to steer the redo (optional)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	flags.Parse(args)

	if *workflowID == "" || *checkpointID == "" {
		color.Red("Error: workflow and checkpoint ids are required")
		os.Exit(1)
	}
	ctx := context.Background()
	logger := setupLogger(*verbose)
	b := openBackend(ctx, *dsn, logger)
	defer b.close()

	orchestrator, err := conductor.NewOrchestrator(conductor.OrchestratorOptions{
		Store:   b.store,
		Channel: b.channel,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	if err := orchestrator.TriggerRollback(ctx, *workflowID, *checkpointID, *directive); err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}
	color.Green("Rolled workflow %s back to checkpoint %s", *workflowID, *checkpointID)
}

func runHumanInput(args []string) {
	flags := flag.NewFlagSet("human-input", flag.ExitOnError)
	dsn := flags.String("db", os.Getenv("CONDUCTOR_DB"), "PostgreSQL connection string")
	workflowID := flags.String("workflow", "", "Workflow id (required)")
	subtaskID := flags.String("subtask", "", "Subtask id (required)")
	response := flags.String("response", "", "The human response (required)")
	responder := flags.String("responder", "", "Who answered (optional)")
	checkpointID := flags.String("checkpoint", "", "Checkpoint the answer refers to (optional)")
	flags.Parse(args)

	if *workflowID == "" || *subtaskID == "" || *response == "" {
		color.Red("Error: workflow, subtask, and response are required")
		os.Exit(1)
	}
	ctx := context.Background()
	b := openBackend(ctx, *dsn, setupLogger(false))
	defer b.close()

	err := b.channel.Publish(ctx, conductor.StreamWorkflowEvents, &conductor.HumanInputProvided{
		WorkflowID:   *workflowID,
		SubtaskID:    *subtaskID,
		UserResponse: *response,
		ResponderInfo: conductor.ResponderInfo{
			Responder:            *responder,
			RelevantCheckpointID: *checkpointID,
		},
	})
	if err != nil {
		log.Fatalf("Failed to publish human input: %v", err)
	}
	color.Green("Delivered human input for subtask %s", *subtaskID)
}

func runOrchestrate(args []string) {
	flags := flag.NewFlagSet("orchestrate", flag.ExitOnError)
	dsn := flags.String("db", os.Getenv("CONDUCTOR_DB"), "PostgreSQL connection string")
	group := flags.String("group", "orchestrators", "Consumer group name")
	consumer := flags.String("consumer", "", "Consumer name (defaults to hostname)")
	stalledAfter := flags.Duration("stalled-after", 0, "Redispatch subtasks running longer than this (0 disables)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	flags.Parse(args)

	ctx := signalContext()
	logger := setupLogger(*verbose)
	b := openBackend(ctx, *dsn, logger)
	defer b.close()

	orchestrator, err := conductor.NewOrchestrator(conductor.OrchestratorOptions{
		Store:        b.store,
		Channel:      b.channel,
		Logger:       logger,
		StalledAfter: *stalledAfter,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	color.Green("Orchestrator consuming %s (group %s)", conductor.StreamWorkflowEvents, *group)
	if err := orchestrator.Run(ctx, *group, consumerName(*consumer)); err != nil {
		log.Fatalf("Orchestrator stopped: %v", err)
	}
}

func runWork(args []string) {
	flags := flag.NewFlagSet("work", flag.ExitOnError)
	dsn := flags.String("db", os.Getenv("CONDUCTOR_DB"), "PostgreSQL connection string")
	agentName := flags.String("agent", conductor.DefaultAgentName, "Agent name to serve")
	consumer := flags.String("consumer", "", "Consumer name (defaults to hostname)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	flags.Parse(args)

	ctx := signalContext()
	logger := setupLogger(*verbose)
	b := openBackend(ctx, *dsn, logger)
	defer b.close()

	worker, err := agent.NewWorker(agent.WorkerOptions{
		AgentName: *agentName,
		Channel:   b.channel,
		Store:     b.store,
		Executor:  agent.NewScriptExecutor(),
		Logger:    logger,
		Consumer:  consumerName(*consumer),
	})
	if err != nil {
		log.Fatalf("Failed to create worker: %v", err)
	}
	color.Green("Agent %q consuming %s", *agentName, conductor.AgentStream(*agentName))
	if err := worker.Run(ctx); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}

// runLocal executes a plan end to end with the in-memory store and channel.
// Useful for trying out plan files without standing up PostgreSQL.
func runLocal(args []string) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	file := flags.String("file", "", "Path to the plan file (JSON or YAML, required)")
	prompt := flags.String("prompt", "", "User prompt the plan addresses")
	agentName := flags.String("agent", conductor.DefaultAgentName, "Agent name to serve locally")
	timeout := flags.Duration("timeout", time.Minute, "Give up after this long")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	flags.Parse(args)

	if *file == "" {
		color.Red("Error: plan file is required")
		flags.Usage()
		os.Exit(1)
	}
	dag, err := conductor.LoadPlanFile(*file)
	if err != nil {
		log.Fatalf("Failed to load plan: %v", err)
	}

	logger := setupLogger(*verbose)
	store := conductor.NewMemoryStore(logger)
	channel := conductor.NewMemoryChannel()

	orchestrator, err := conductor.NewOrchestrator(conductor.OrchestratorOptions{
		Store:   store,
		Channel: channel,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	worker, err := agent.NewWorker(agent.WorkerOptions{
		AgentName: *agentName,
		Channel:   channel,
		Store:     store,
		Executor:  agent.NewScriptExecutor(),
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to create worker: %v", err)
	}

	ctx, cancel := context.WithTimeout(signalContext(), *timeout)
	defer cancel()
	go orchestrator.Run(ctx, "orchestrators", "local")
	go worker.Run(ctx)

	workflowID := conductor.NewWorkflowID()
	err = channel.Publish(ctx, conductor.StreamWorkflowEvents, &conductor.TaskCreated{
		WorkflowID:  workflowID,
		UserPrompt:  *prompt,
		InitialPlan: planDocument(dag),
	})
	if err != nil {
		log.Fatalf("Failed to publish task: %v", err)
	}
	color.Green("Running workflow %s (%d subtasks)...", workflowID, dag.Len())

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("Gave up waiting for workflow %s", workflowID)
		case <-ticker.C:
		}
		wf, err := store.GetWorkflow(ctx, workflowID)
		if err != nil {
			continue
		}
		switch wf.Status {
		case conductor.WorkflowStatusCompleted:
			showResults(ctx, store, workflowID)
			return
		case conductor.WorkflowStatusFailed:
			showResults(ctx, store, workflowID)
			color.Red("Workflow failed")
			os.Exit(1)
		case conductor.WorkflowStatusWaitingHuman:
			showResults(ctx, store, workflowID)
			color.Yellow("Workflow is waiting for human input; resume it with the human-input command against a persistent backend")
			return
		}
	}
}

func showResults(ctx context.Context, store conductor.Store, workflowID string) {
	detail, err := store.GetWorkflowWithSubtasks(ctx, workflowID)
	if err != nil {
		return
	}
	fmt.Println()
	for _, sub := range detail.Subtasks {
		fmt.Printf("  %-14s %-24s", statusColor(string(sub.Status)), sub.ID)
		if len(sub.Result) > 0 {
			fmt.Printf(" %s", string(sub.Result))
		}
		if sub.ErrorMessage != "" {
			fmt.Printf(" %s", color.RedString(sub.ErrorMessage))
		}
		fmt.Println()
	}
}

// planDocument re-encodes a validated DAG as a plan document for TaskCreated.
func planDocument(dag *conductor.DAG) json.RawMessage {
	subtasks := map[string]*conductor.Subtask{}
	for _, sub := range dag.Subtasks() {
		subtasks[sub.ID] = sub
	}
	encoded, err := json.Marshal(map[string]any{"subtasks": subtasks})
	if err != nil {
		log.Fatalf("Failed to encode plan: %v", err)
	}
	return encoded
}

func statusColor(status string) string {
	switch conductor.SubtaskStatus(status) {
	case conductor.SubtaskStatusCompleted:
		return color.GreenString(status)
	case conductor.SubtaskStatusFailed:
		return color.RedString(status)
	case conductor.SubtaskStatusRunning:
		return color.CyanString(status)
	case conductor.SubtaskStatusWaitingHuman:
		return color.YellowString(status)
	default:
		return status
	}
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return conductor.NewLogger(level)
}

func consumerName(name string) string {
	if name != "" {
		return name
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "consumer-1"
	}
	return hostname
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}
