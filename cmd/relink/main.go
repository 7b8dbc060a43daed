// Command relink replays link write-backs that failed after their saga
// had already committed an irreversible on-chain effect. It drains the
// hypha.link_retries queue once, or on a cron schedule.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	commonerrors "github.com/hypha-dao/hypha-web-sub000/pkg/errors"
)

type relinkConfig struct {
	DBURL       string
	Cron        string
	Batch       int
	MaxAttempts int
	Backoff     time.Duration
	Verbose     bool
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (relinkConfig, error) {
	fs := flag.NewFlagSet("relink", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg relinkConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled runs; empty runs once")
	fs.IntVar(&cfg.Batch, "batch", 100, "max retries replayed per run")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", 10, "drop a retry after this many failed replays")
	fs.DurationVar(&cfg.Backoff, "backoff", 5*time.Minute, "delay before a failed replay is due again")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show per-row progress")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, stdout, stderr io.Writer, open func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "relink: %v\n", err)
		return 2
	}

	db, err := open(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(stderr, "relink: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	gateway := offchain.NewPostgresGateway(db)
	queue := offchain.NewPostgresRetryQueue(db)

	if cfg.Cron == "" {
		if err := runOnce(ctx, gateway, queue, cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "relink: %v\n", err)
			return 1
		}
		return 0
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Cron, func() {
		if err := runOnce(ctx, gateway, queue, cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "relink: scheduled run: %v\n", err)
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "relink: bad cron expression: %v\n", err)
		return 2
	}

	scheduler.Start()
	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	return 0
}

// runOnce replays every due retry. A replayed patch is idempotent, so a
// crash between update and delete only costs a harmless re-apply.
func runOnce(ctx context.Context, gateway offchain.Gateway, queue offchain.LinkRetryQueue, cfg relinkConfig, stdout io.Writer) error {
	due, err := queue.Due(ctx, time.Now(), cfg.Batch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		fmt.Fprintln(stdout, "relink: queue empty")
		return nil
	}

	var replayed, dropped, deferred int
	for _, retry := range due {
		_, err := gateway.UpdateBySlug(ctx, retry.Kind, retry.Slug, retry.Patch)
		switch {
		case err == nil:
			if err := queue.Delete(ctx, retry.ID); err != nil {
				return err
			}
			replayed++
			if cfg.Verbose {
				fmt.Fprintf(stdout, "relinked %s/%s\n", retry.Kind, retry.Slug)
			}
		case commonerrors.Is(err, commonerrors.CodeNotFound):
			// The record is gone (compensated or deleted since); the
			// retry has nothing left to link.
			if err := queue.Delete(ctx, retry.ID); err != nil {
				return err
			}
			dropped++
			fmt.Fprintf(stdout, "relink: %s/%s no longer exists, dropping retry\n", retry.Kind, retry.Slug)
		case retry.Attempts+1 >= cfg.MaxAttempts:
			if err := queue.Delete(ctx, retry.ID); err != nil {
				return err
			}
			dropped++
			fmt.Fprintf(stdout, "relink: %s/%s exhausted %d attempts, dropping: %v\n",
				retry.Kind, retry.Slug, cfg.MaxAttempts, err)
		default:
			if err := queue.Bump(ctx, retry.ID, time.Now().Add(cfg.Backoff)); err != nil {
				return err
			}
			deferred++
			if cfg.Verbose {
				fmt.Fprintf(stdout, "relink: %s/%s failed, retry %d deferred: %v\n",
					retry.Kind, retry.Slug, retry.Attempts+1, err)
			}
		}
	}

	fmt.Fprintf(stdout, "relink: %d replayed, %d deferred, %d dropped\n", replayed, deferred, dropped)
	return nil
}
