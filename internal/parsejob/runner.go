package parsejob

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("docqa/parsejob")

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docqa_parse_jobs_total",
		Help: "Finished parse jobs by outcome",
	}, []string{"outcome"})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docqa_parse_job_duration_seconds",
		Help:    "Wall time of parse jobs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// Stage is one sequential preparation step.
type Stage struct {
	Name string
	Run  func(ctx context.Context, fileID string) error
}

// Runner executes the stages of a job and records progress in a Tracker.
// Progress is 5 when accepted and 20 before the first stage; the stages then
// share the range up to 100 evenly.
type Runner struct {
	tracker *Tracker
	stages  []Stage
	onReady func(ctx context.Context, fileID string) error
	logger  *log.Logger
}

type Option func(*Runner)

// OnReady is called after every stage succeeded. Its error is logged and does
// not change the job outcome.
func OnReady(fn func(ctx context.Context, fileID string) error) Option {
	return func(r *Runner) { r.onReady = fn }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRunner(tracker *Tracker, stages []Stage, opts ...Option) *Runner {
	r := &Runner{
		tracker: tracker,
		stages:  stages,
		logger:  log.New(log.Writer(), "[PARSE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start claims fileID and runs the job on its own goroutine. The job
// outlives ctx's cancellation but keeps its values.
func (r *Runner) Start(ctx context.Context, fileID string) (Job, error) {
	job, err := r.tracker.begin(fileID)
	if err != nil {
		return job, err
	}
	go r.execute(context.WithoutCancel(ctx), job)
	return job, nil
}

// Run claims fileID and runs the job to completion, returning its final
// state.
func (r *Runner) Run(ctx context.Context, fileID string) (Job, error) {
	job, err := r.tracker.begin(fileID)
	if err != nil {
		return job, err
	}
	if err := r.execute(ctx, job); err != nil {
		return r.tracker.Get(fileID), err
	}
	return r.tracker.Get(fileID), nil
}

func checkpoint(i, n int) int {
	return 20 + i*80/n
}

func (r *Runner) execute(ctx context.Context, job Job) (err error) {
	ctx, span := tracer.Start(ctx, "parsejob.Run")
	defer span.End()
	span.SetAttributes(attribute.String("file_id", job.FileID), attribute.String("job_id", job.ID))
	started := time.Now()
	defer func() {
		jobDuration.Observe(time.Since(started).Seconds())
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage panicked: %v", rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.tracker.fail(job.FileID, job.ID, err.Error())
			jobsTotal.WithLabelValues("error").Inc()
			r.logger.Printf("job=%s file=%s failed: %v", job.ID, job.FileID, err)
		}
	}()

	n := len(r.stages)
	for i, stage := range r.stages {
		if !r.tracker.progress(job.FileID, job.ID, checkpoint(i, n)) {
			r.logger.Printf("job=%s file=%s superseded, stopping", job.ID, job.FileID)
			jobsTotal.WithLabelValues("superseded").Inc()
			return nil
		}
		if err := stage.Run(ctx, job.FileID); err != nil {
			return fmt.Errorf("%s: %w", stage.Name, err)
		}
	}
	if !r.tracker.ready(job.FileID, job.ID) {
		jobsTotal.WithLabelValues("superseded").Inc()
		return nil
	}
	jobsTotal.WithLabelValues("ready").Inc()
	r.logger.Printf("job=%s file=%s ready in %s", job.ID, job.FileID, time.Since(started).Round(time.Millisecond))
	if r.onReady != nil {
		if err := r.onReady(ctx, job.FileID); err != nil {
			r.logger.Printf("job=%s file=%s post-parse update failed: %v", job.ID, job.FileID, err)
		}
	}
	return nil
}
