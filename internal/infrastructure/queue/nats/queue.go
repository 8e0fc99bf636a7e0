package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/pid-digitizer/internal/infrastructure/resilience"
)

const workerGroup = "workers"

// Subjects names the two job streams. Messages carry only the job ID; the
// job row in postgres is the source of truth.
type Subjects struct {
	Process string
	Export  string
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// ProcessConcurrency and ExportConcurrency bound in-flight handlers per worker.
	ProcessConcurrency int
	ExportConcurrency  int
}

func (o Options) connectOptions() []nats.Option {
	retry := true
	if o.RetryOnFailedConnect != nil {
		retry = *o.RetryOnFailedConnect
	}
	return []nats.Option{
		nats.Name("pid-digitizer"),
		nats.Timeout(positiveDuration(o.ConnectTimeout, 2*time.Second)),
		nats.ReconnectWait(positiveDuration(o.ReconnectWait, 2*time.Second)),
		nats.MaxReconnects(positiveInt(o.MaxReconnects, 60)),
		nats.RetryOnFailedConnect(retry),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("job_queue_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("job_queue_reconnected", "url", nc.ConnectedUrl())
		}),
	}
}

// stream is one subject with its per-worker handler limit.
type stream struct {
	subject string
	limit   int64
}

// Queue implements ports.JobQueue over core NATS queue groups.
type Queue struct {
	conn     *nats.Conn
	executor *resilience.Executor
	process  stream
	export   stream
}

func New(url string, subjects Subjects) (*Queue, error) {
	return NewWithOptions(url, subjects, Options{})
}

func NewWithOptions(url string, subjects Subjects, options Options) (*Queue, error) {
	conn, err := nats.Connect(url, options.connectOptions()...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		executor: options.ResilienceExecutor,
		process: stream{
			subject: orDefault(subjects.Process, "drawings.process"),
			limit:   int64(positiveInt(options.ProcessConcurrency, 10)),
		},
		export: stream{
			subject: orDefault(subjects.Export, "exports.requested"),
			limit:   int64(positiveInt(options.ExportConcurrency, 4)),
		},
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishProcessJob(ctx context.Context, jobID string) error {
	return q.publish(ctx, q.process.subject, jobID)
}

func (q *Queue) PublishExportJob(ctx context.Context, jobID string) error {
	return q.publish(ctx, q.export.subject, jobID)
}

func (q *Queue) SubscribeProcessJobs(ctx context.Context, handler func(context.Context, string) error) error {
	return q.consume(ctx, q.process, handler)
}

func (q *Queue) SubscribeExportJobs(ctx context.Context, handler func(context.Context, string) error) error {
	return q.consume(ctx, q.export, handler)
}

func (q *Queue) publish(ctx context.Context, subject, jobID string) error {
	send := func(context.Context) error {
		return q.conn.Publish(subject, []byte(jobID))
	}
	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish."+subject, send, publishClassifier)
	} else {
		err = send(ctx)
	}
	return publishError(subject, err)
}

// consume runs handlers for the stream until ctx ends, then drains the
// subscription and waits for in-flight jobs. Deliveries stall in the
// callback while the stream's limit is reached.
func (q *Queue) consume(ctx context.Context, s stream, handler func(context.Context, string) error) error {
	slots := semaphore.NewWeighted(s.limit)
	var inflight sync.WaitGroup

	sub, err := q.conn.QueueSubscribe(s.subject, workerGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		if err := slots.Acquire(ctx, 1); err != nil {
			return
		}
		jobID := string(msg.Data)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer slots.Release(1)
			if err := handler(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("job_handler_failed", "subject", s.subject, "job_id", jobID, "error", err)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("flush %s subscription: %w", s.subject, err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", s.subject, err)
	}
	inflight.Wait()
	return nil
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func positiveInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
