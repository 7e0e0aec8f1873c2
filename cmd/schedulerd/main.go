// ABOUTME: Entry point for the scheduler daemon.
// ABOUTME: Loads job definitions from sqlite and fires them at agents over the bus.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/jiascheduler/automate/internal/bus"
	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/config"
	"github.com/jiascheduler/automate/internal/endpoint"
	"github.com/jiascheduler/automate/internal/protocol"
	"github.com/jiascheduler/automate/internal/scheduler"
	"github.com/jiascheduler/automate/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: schedulerd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Run the scheduler")
		fmt.Println("  add --id ID --cmd CMD ...  Save a job definition")
		fmt.Println("  list                       List saved jobs")
		fmt.Println("  rm --id ID                 Delete a job")
		fmt.Println("  history --id ID            Show a job's run history")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "add":
		err = runAdd(ctx)
	case "list":
		err = runList(ctx)
	case "rm":
		err = runRemove(ctx)
	case "history":
		err = runHistory(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("COMET_CONFIG")
	if path == "" {
		path = "comet.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url is required: the scheduler reaches agents through the bus")
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("schedulerd %s\n", version)
	green.Print("▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("▶ ")
	fmt.Printf("Bus:      %s\n", cfg.Bus.URL)
	fmt.Println()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := bus.Connect(cfg.Bus.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer b.Close()

	dispatcher := bus.NewJobDispatcher(b)

	onOutcome := func(o scheduler.Outcome) {
		rec := &store.ExecRecord{
			JobID:   o.JobID,
			Key:     o.Key,
			Run:     o.Run,
			Status:  execStatus(o.Err),
			FiredAt: o.At,
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		if err := st.RecordExec(context.Background(), rec); err != nil {
			logger.Error("recording outcome", "job_id", o.JobID, "error", err)
		}
	}

	engine := scheduler.NewEngine(dispatcher, onOutcome, logger)

	loaded, err := loadJobs(ctx, st, engine, logger)
	if err != nil {
		return err
	}
	logger.Info("scheduler started", "jobs", loaded, "version", version)

	engine.Run(ctx)
	logger.Info("scheduler stopped")
	return nil
}

// execStatus classifies an occurrence outcome for the run history.
func execStatus(err error) string {
	switch {
	case err == nil:
		return store.ExecDispatched
	case errors.Is(err, comet.ErrUnreachable):
		return store.ExecUnreachable
	case errors.Is(err, comet.ErrTimeout):
		return store.ExecTimeout
	default:
		return store.ExecFailed
	}
}

// loadJobs pages through every saved job and schedules the ones whose
// triggers still have occurrences left. A job with a malformed trigger is
// logged and skipped rather than blocking the rest.
func loadJobs(ctx context.Context, st store.Store, engine *scheduler.Engine, logger *slog.Logger) (int, error) {
	loaded := 0
	for page := 1; ; page++ {
		jobs, total, err := st.ListJobs(ctx, store.JobFilter{Page: page, PageSize: 200})
		if err != nil {
			return loaded, fmt.Errorf("listing jobs: %w", err)
		}
		for _, job := range jobs {
			trig, err := job.Trigger.Build()
			if err != nil {
				logger.Warn("skipping job with bad trigger", "job_id", job.ID, "error", err)
				continue
			}
			err = engine.Add(&scheduler.BaseJob{
				ID:         job.ID,
				Name:       job.Name,
				ExecutorID: job.ExecutorID,
				Targets:    job.Targets,
				Trigger:    trig,
				Action:     job.Action,
			})
			if err != nil {
				logger.Warn("skipping job", "job_id", job.ID, "error", err)
				continue
			}
			loaded++
		}
		if int64(page*200) >= total || len(jobs) == 0 {
			break
		}
	}
	return loaded, nil
}

func runAdd(ctx context.Context) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	id := fs.String("id", "", "job id (required)")
	name := fs.String("name", "", "display name")
	executor := fs.String("executor", "bash", "executor id")
	jobType := fs.String("type", "default", "job type")
	user := fs.String("user", "", "creating user")
	namespace := fs.String("namespace", "", "target namespace")
	targets := fs.String("targets", "", "comma-separated target ips (required)")
	cmd := fs.String("cmd", "", "command to run (required)")
	timeoutSec := fs.Int64("timeout", 0, "command timeout in seconds")
	cronExpr := fs.String("cron", "", "cron expression trigger")
	every := fs.Duration("every", 0, "interval trigger")
	at := fs.String("at", "", "one-shot trigger time (RFC 3339)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *id == "" || *targets == "" || *cmd == "" {
		return fmt.Errorf("--id, --targets and --cmd are required")
	}

	spec, err := triggerSpec(*cronExpr, *every, *at)
	if err != nil {
		return err
	}
	// Fail now on a trigger the engine would reject at load time.
	if _, err := spec.Build(); err != nil {
		return err
	}

	var keys []string
	for _, ip := range strings.Split(*targets, ",") {
		key, err := endpoint.RoutingKey(*namespace, strings.TrimSpace(ip))
		if err != nil {
			return fmt.Errorf("target %q: %w", ip, err)
		}
		keys = append(keys, key)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	job := &store.Job{
		ID:          *id,
		Name:        *name,
		ExecutorID:  *executor,
		JobType:     *jobType,
		CreatedUser: *user,
		Targets:     keys,
		Trigger:     spec,
		Action: protocol.DispatchJobParams{
			JobID:      *id,
			ExecutorID: *executor,
			Action:     protocol.ActionRun,
			Run:        &protocol.RunParams{Command: *cmd, TimeoutSec: *timeoutSec},
		},
	}
	if job.Name == "" {
		job.Name = *id
	}

	if err := st.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	fmt.Printf("saved job %s (%d targets)\n", job.ID, len(keys))
	return nil
}

func triggerSpec(cronExpr string, every time.Duration, at string) (scheduler.TriggerSpec, error) {
	switch {
	case cronExpr != "":
		return scheduler.TriggerSpec{Kind: scheduler.TriggerCron, Expr: cronExpr}, nil
	case every > 0:
		return scheduler.TriggerSpec{Kind: scheduler.TriggerInterval, Every: every.String()}, nil
	case at != "":
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return scheduler.TriggerSpec{}, fmt.Errorf("parsing --at: %w", err)
		}
		return scheduler.TriggerSpec{Kind: scheduler.TriggerOnce, At: when}, nil
	default:
		return scheduler.TriggerSpec{}, fmt.Errorf("one of --cron, --every or --at is required")
	}
}

func runList(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, total, err := st.ListJobs(ctx, store.JobFilter{PageSize: 100})
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	if total == 0 {
		fmt.Println("no jobs saved")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tTARGETS\tUPDATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			job.ID, job.Name, describeTrigger(job.Trigger),
			len(job.Targets), job.UpdatedAt.Format(time.RFC3339),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if int64(len(jobs)) < total {
		fmt.Printf("(%d of %d)\n", len(jobs), total)
	}
	return nil
}

func describeTrigger(spec scheduler.TriggerSpec) string {
	switch spec.Kind {
	case scheduler.TriggerCron:
		return "cron " + spec.Expr
	case scheduler.TriggerInterval:
		return "every " + spec.Every
	case scheduler.TriggerOnce:
		return "once " + spec.At.Format(time.RFC3339)
	default:
		return spec.Kind
	}
}

func runRemove(ctx context.Context) error {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	id := fs.String("id", "", "job id (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteJob(ctx, *id); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	fmt.Printf("deleted job %s\n", *id)
	return nil
}

func runHistory(ctx context.Context) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	id := fs.String("id", "", "job id (required)")
	page := fs.Int("page", 1, "page number")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, total, err := st.ListExec(ctx, *id, *page, 50)
	if err != nil {
		return fmt.Errorf("listing history: %w", err)
	}
	if total == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tKEY\tSTATUS\tFIRED\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			rec.Run, rec.Key, rec.Status,
			rec.FiredAt.Format(time.RFC3339), rec.Error,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("(%d total)\n", total)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
