// Command pushctl submits notifications and runs maintenance against the
// pushline store.
//
// Usage:
//
//	pushctl send -token <hex> -title "Hi" -body "There" [-priority high] [-at 2024-05-01T12:00:00Z]
//	pushctl bulk -tokens tokens.txt -title "Hi" -body "There"
//	pushctl stats
//	pushctl sweep [-threshold 10m]
//	pushctl deliver -id <uuid>
//	pushctl device -token <hex> [-deactivate]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/app"
	"github.com/lalithlochan/pushline/internal/config"
	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/notify"
	"github.com/lalithlochan/pushline/internal/observ"
	"github.com/lalithlochan/pushline/internal/queue"
	"github.com/lalithlochan/pushline/internal/redis"
	"github.com/lalithlochan/pushline/internal/worker"
)

const usage = `usage: pushctl <command> [flags]

commands:
  send     create one notification
  bulk     create the same notification for many devices
  stats    print notification counts by status
  sweep    fail notifications stuck in sending
  deliver  run one delivery attempt for a notification
  device   show a registered device, or deactivate it
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env holds the connections one command needs.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *db.DB
	repo   *db.Repository
	redis  *redis.Client
}

func (e *env) close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	e.db.Close()
	_ = e.logger.Sync()
}

func connect(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "pushctl")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	database, err := db.New(ctx, app.DBConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	e := &env{cfg: cfg, logger: logger, db: database, repo: db.NewRepository(database, logger)}

	// Redis is optional unless it is the queue.
	rc, err := redis.New(ctx, app.RedisConfig(cfg), logger)
	switch {
	case err == nil:
		e.redis = rc
	case cfg.QueueDriver == config.QueueDriverRedis:
		e.close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	default:
		logger.Warn("redis unavailable, idempotency and rate limits disabled", zap.Error(err))
	}
	return e, nil
}

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	switch command {
	case "send":
		return runSend(ctx, args, out, false)
	case "bulk":
		return runSend(ctx, args, out, true)
	case "stats":
		return runStats(ctx, args, out)
	case "sweep":
		return runSweep(ctx, args, out)
	case "deliver":
		return runDeliver(ctx, args, out)
	case "device":
		return runDevice(ctx, args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

// sendFlags are the notification fields shared by send and bulk.
type sendFlags struct {
	token, tokens    string
	platform         string
	title, body      string
	badge            int
	sound            string
	category, thread string
	data             string
	priority         string
	at               string
	expireIn         time.Duration
	maxRetries       int
	idempotencyKey   string
}

func parseSendFlags(name string, args []string, bulk bool) (*sendFlags, error) {
	f := &sendFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if bulk {
		fs.StringVar(&f.tokens, "tokens", "", "file with one device token per line, or - for stdin")
	} else {
		fs.StringVar(&f.token, "token", "", "device token")
		fs.StringVar(&f.platform, "platform", "ios", "device platform for new devices: ios or android")
	}
	fs.StringVar(&f.title, "title", "", "alert title")
	fs.StringVar(&f.body, "body", "", "alert body")
	fs.IntVar(&f.badge, "badge", -1, "badge count (omitted when negative)")
	fs.StringVar(&f.sound, "sound", "", "sound name")
	fs.StringVar(&f.category, "category", "", "notification category")
	fs.StringVar(&f.thread, "thread", "", "thread id")
	fs.StringVar(&f.data, "data", "", "custom data as a JSON object")
	fs.StringVar(&f.priority, "priority", "normal", "normal or high")
	fs.StringVar(&f.at, "at", "", "deliver at this RFC 3339 time instead of now")
	fs.DurationVar(&f.expireIn, "expire-in", 0, "discard if not delivered within this duration")
	fs.IntVar(&f.maxRetries, "max-retries", db.DefaultMaxRetries, "retry budget")
	fs.StringVar(&f.idempotencyKey, "key", "", "idempotency key")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *sendFlags) request(now time.Time) (notify.Request, error) {
	req := notify.Request{
		Token:          f.token,
		Platform:       db.Platform(f.platform),
		Title:          f.title,
		Body:           f.body,
		Sound:          f.sound,
		Priority:       db.Priority(f.priority),
		MaxRetries:     &f.maxRetries,
		IdempotencyKey: f.idempotencyKey,
	}
	if f.badge >= 0 {
		req.Badge = &f.badge
	}
	if f.category != "" {
		req.Category = &f.category
	}
	if f.thread != "" {
		req.ThreadID = &f.thread
	}
	if f.data != "" {
		if err := json.Unmarshal([]byte(f.data), &req.Data); err != nil {
			return req, fmt.Errorf("-data must be a JSON object: %w", err)
		}
	}
	if f.at != "" {
		at, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return req, fmt.Errorf("-at: %w", err)
		}
		req.ScheduledAt = &at
	}
	if f.expireIn > 0 {
		exp := now.Add(f.expireIn)
		req.Expiration = &exp
	}
	return req, nil
}

func readTokens(path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		r = file
	}

	var tokens []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" && !strings.HasPrefix(t, "#") {
			tokens = append(tokens, t)
		}
	}
	return tokens, sc.Err()
}

func runSend(ctx context.Context, args []string, out io.Writer, bulk bool) error {
	name := "send"
	if bulk {
		name = "bulk"
	}
	f, err := parseSendFlags(name, args, bulk)
	if err != nil {
		return err
	}
	req, err := f.request(time.Now())
	if err != nil {
		return err
	}

	var tokens []string
	if bulk {
		if f.tokens == "" {
			return errors.New("-tokens is required")
		}
		if tokens, err = readTokens(f.tokens); err != nil {
			return fmt.Errorf("read tokens: %w", err)
		}
	}

	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	q, err := app.OpenQueue(ctx, e.cfg, e.redis, e.logger)
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}

	svc := notify.NewService(e.repo, q, e.logger)
	if e.redis != nil {
		svc.WithIdempotency(redis.NewIdempotencyService(e.redis, e.logger, 0)).
			WithRateLimiter(redis.NewRateLimiter(e.redis, e.logger, redis.RateLimitConfig{
				Limit:  e.cfg.SubmitRateLimit,
				Window: e.cfg.SubmitRateWindow,
			}))
	}

	var res *notify.Result
	if bulk {
		res, err = svc.CreateBulk(ctx, tokens, req)
	} else {
		res, err = svc.Create(ctx, req)
	}
	if err != nil {
		return err
	}

	if res.Replayed {
		fmt.Fprintln(out, "# replayed from an earlier submission")
	}
	for _, id := range res.IDs {
		fmt.Fprintln(out, id)
	}
	return nil
}

func runStats(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	// Stats needs no queue.
	st, err := notify.NewService(e.repo, nil, e.logger).Stats(ctx)
	if err != nil {
		return err
	}

	for _, s := range db.AllStatuses {
		fmt.Fprintf(out, "%-14s %d\n", s, st.Counts[s])
	}
	fmt.Fprintf(out, "%-14s %d\n", "total", st.Total)
	return nil
}

func runSweep(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	threshold := fs.Duration("threshold", 0, "age after which a sending notification is stuck (default REAPER_THRESHOLD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	reaper := worker.NewReaper(e.repo, worker.ReaperConfig{Threshold: e.cfg.ReaperThreshold}, e.logger)
	n, err := reaper.Sweep(ctx, *threshold)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "failed %d stuck notifications\n", n)
	return nil
}

func runDevice(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("device", flag.ContinueOnError)
	token := fs.String("token", "", "device token")
	deactivate := fs.Bool("deactivate", false, "stop delivering to this device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("-token is required")
	}

	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	return device(ctx, e.repo, *token, *deactivate, out)
}

type deviceStore interface {
	GetDevice(ctx context.Context, token string) (*db.Device, error)
	DeactivateDevice(ctx context.Context, token string) error
}

func device(ctx context.Context, store deviceStore, token string, deactivate bool, out io.Writer) error {
	if deactivate {
		if err := store.DeactivateDevice(ctx, token); err != nil {
			return err
		}
	}
	d, err := store.GetDevice(ctx, token)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "id             %s\n", d.ID)
	fmt.Fprintf(out, "platform       %s\n", d.Platform)
	fmt.Fprintf(out, "active         %t\n", d.Active)
	if d.LastNotifiedAt != nil {
		fmt.Fprintf(out, "last notified  %s\n", d.LastNotifiedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "registered     %s\n", d.CreatedAt.Format(time.RFC3339))
	return nil
}

func runDeliver(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("deliver", flag.ContinueOnError)
	rawID := fs.String("id", "", "notification id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := uuid.Parse(*rawID)
	if err != nil {
		return fmt.Errorf("-id: %w", err)
	}

	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	gw, _, err := app.OpenGateway(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("failed to create push gateway: %w", err)
	}

	q, err := app.OpenQueue(ctx, e.cfg, e.redis, e.logger)
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}

	engine := worker.NewEngine(e.repo, gw, app.RetryPolicy(e.cfg), e.logger)
	return deliver(ctx, engine, q, e.repo, id, out, e.logger)
}

// deliver runs one attempt and, when a retry is due, puts the job back on
// the queue with its backoff as the consumer would.
func deliver(
	ctx context.Context,
	engine worker.Deliverer,
	producer queue.Producer,
	repo worker.Repository,
	id uuid.UUID,
	out io.Writer,
	logger *zap.Logger,
) error {
	outcome, err := engine.Deliver(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, describe(outcome))

	r, ok := outcome.(worker.RetryNeeded)
	if !ok {
		return nil
	}
	n, err := repo.GetNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("reload notification: %w", err)
	}
	if err := worker.Reschedule(ctx, producer, repo, queue.NewMessage(n), r.Delay, logger); err != nil {
		return fmt.Errorf("re-enqueue notification: %w", err)
	}
	fmt.Fprintf(out, "re-enqueued with delay %s\n", r.Delay)
	return nil
}

func describe(o worker.Outcome) string {
	switch o := o.(type) {
	case worker.Sent:
		return "sent " + o.MessageID
	case worker.Skipped:
		return "skipped: status is " + string(o.Status)
	case worker.RetryNeeded:
		return "retry needed in " + o.Delay.String()
	case worker.Failed:
		return "failed: " + o.Reason
	case worker.InvalidToken:
		return "invalid token: " + o.Reason
	default:
		return o.Kind()
	}
}
