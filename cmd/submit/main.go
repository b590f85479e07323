package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/inference-orchestrator/internal/cache"
	"github.com/ak3tsm7/inference-orchestrator/internal/config"
	"github.com/ak3tsm7/inference-orchestrator/internal/job"
	"github.com/ak3tsm7/inference-orchestrator/internal/orchestrator"
	"github.com/ak3tsm7/inference-orchestrator/internal/store"
)

type cliFlags struct {
	payload   string
	kind      string
	requester string
	provider  string
	statusID  string
	cancelID  string
}

func main() {
	f := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}

	var st store.Store = store.NewRedis(rdb)
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPG(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres connect failed: %v", err)
		}
		defer pg.Close()
		st = pg
	}

	orc := orchestrator.New(st, cache.NewRedis(rdb), nil, cfg.CacheTTL)

	switch {
	case f.statusID != "":
		showStatus(ctx, orc, f.statusID)
	case f.cancelID != "":
		doCancel(ctx, orc, f.cancelID)
	default:
		doSubmit(ctx, orc, f)
	}
}

func parseFlags() cliFlags {
	f := cliFlags{}
	flag.StringVar(&f.payload, "payload", "", "request payload (prompt text or JSON)")
	flag.StringVar(&f.kind, "kind", "text", "job kind: text|image|model")
	flag.StringVar(&f.requester, "requester", "", "requester ID (defaults to a fresh uuid)")
	flag.StringVar(&f.provider, "provider", "", "preferred provider name (optional)")
	flag.StringVar(&f.statusID, "status", "", "show status for a job ID instead of submitting")
	flag.StringVar(&f.cancelID, "cancel", "", "cancel a job ID instead of submitting")
	flag.Parse()

	if f.statusID == "" && f.cancelID == "" && f.payload == "" {
		fmt.Fprintln(os.Stderr, "one of -payload, -status or -cancel is required")
		flag.Usage()
		os.Exit(2)
	}
	if f.requester == "" {
		f.requester = uuid.New().String()
	}
	return f
}

func doSubmit(ctx context.Context, orc *orchestrator.Orchestrator, f cliFlags) {
	kind, err := job.ParseKind(f.kind)
	if err != nil {
		log.Fatalf("%v", err)
	}

	handle, err := orc.Submit(ctx, []byte(f.payload), kind, f.requester, f.provider)
	if err != nil {
		log.Fatalf("submit failed: %v", err)
	}

	if handle.Cached {
		fmt.Printf("cached result from job %s:\n%s\n", handle.JobID, handle.Result)
		return
	}
	fmt.Printf("job %s submitted (fingerprint %s)\n", handle.JobID, handle.Fingerprint[:12])
}

func showStatus(ctx context.Context, orc *orchestrator.Orchestrator, id string) {
	snap, err := orc.Status(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		log.Fatalf("job %s not found", id)
	}
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}

	out, _ := json.MarshalIndent(map[string]any{
		"job_id":        snap.JobID,
		"state":         snap.State,
		"attempt_count": snap.AttemptCount,
		"last_error":    snap.LastError,
		"created_at":    snap.CreatedAt,
		"updated_at":    snap.UpdatedAt,
	}, "", "  ")
	fmt.Println(string(out))
	if snap.State == job.StateSucceeded {
		fmt.Printf("result:\n%s\n", snap.Result)
	}
}

func doCancel(ctx context.Context, orc *orchestrator.Orchestrator, id string) {
	err := orc.Cancel(ctx, id)
	switch {
	case errors.Is(err, job.ErrAlreadyTerminal):
		fmt.Printf("job %s already terminal\n", id)
	case errors.Is(err, job.ErrNotFound):
		log.Fatalf("job %s not found", id)
	case err != nil:
		log.Fatalf("cancel failed: %v", err)
	default:
		fmt.Printf("job %s cancel requested\n", id)
	}
}
