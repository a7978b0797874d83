package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Handler func(ctx context.Context, job *Job) error

// Observer receives completed, retried and failed outcomes per job name.
type Observer interface {
	ObserveJob(queue, job, outcome string)
}

var errUnknownJob = errors.New("no handler registered")

type Worker struct {
	queue       *Queue
	handlers    map[string]Handler
	concurrency int
	pollTimeout time.Duration
	jobTimeout  time.Duration
	promoteTick time.Duration
	observer    Observer
	log         *logrus.Entry
}

func NewWorker(q *Queue, logger *logrus.Logger, concurrency int, observer Observer) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		pollTimeout: time.Second,
		jobTimeout:  30 * time.Second,
		promoteTick: time.Second,
		observer:    observer,
		log: logger.WithFields(logrus.Fields{
			"component": "worker",
			"queue":     q.Name(),
		}),
	}
}

// Handle registers h for jobs called name. Must be called before Run.
func (w *Worker) Handle(name string, h Handler) {
	w.handlers[name] = h
}

// Run processes jobs until ctx is done, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithField("concurrency", w.concurrency).Info("Worker started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintain(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}

	wg.Wait()
	w.log.Info("Worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	log := w.log.WithField("worker_id", id)
	for ctx.Err() == nil {
		job, err := w.queue.pop(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Failed to fetch job")
			sleep(ctx, w.pollTimeout)
			continue
		}
		if job == nil {
			continue
		}
		// In-flight jobs finish even when shutdown starts.
		w.process(context.WithoutCancel(ctx), job)
	}
}

// maintain promotes due retries and recovers stalled jobs on every tick.
func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.promoteTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Recover(ctx); err != nil && ctx.Err() == nil {
				w.log.WithError(err).Warn("Failed to recover stalled jobs")
			}
			n, err := w.queue.Promote(ctx, 100)
			if err != nil {
				if ctx.Err() == nil {
					w.log.WithError(err).Warn("Failed to promote delayed jobs")
				}
				continue
			}
			if n > 0 {
				w.log.WithField("count", n).Debug("Promoted delayed jobs")
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	job.Attempt++
	log := w.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"job":     job.Name,
		"attempt": job.Attempt,
	})
	start := time.Now()

	err := w.run(ctx, job)
	if err == nil {
		if aerr := w.queue.ack(ctx, job); aerr != nil {
			log.WithError(aerr).Error("Failed to ack job")
		}
		w.observe(job, "completed")
		log.WithField("duration", time.Since(start)).Info("Job completed")
		return
	}
	job.LastError = err.Error()

	if errors.Is(err, errUnknownJob) || job.Attempt >= job.MaxAttempts {
		if ferr := w.queue.fail(ctx, job); ferr != nil {
			log.WithError(ferr).Error("Failed to record failed job")
		}
		w.observe(job, "failed")
		log.WithError(err).Error("Job failed permanently")
		return
	}

	delay := job.RetryDelay()
	if serr := w.queue.schedule(ctx, job, delay); serr != nil {
		log.WithError(serr).Error("Failed to schedule retry")
		return
	}
	w.observe(job, "retried")
	log.WithError(err).WithField("retry_in", delay).Warn("Job failed, retrying")
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	h, ok := w.handlers[job.Name]
	if !ok {
		return fmt.Errorf("%w for %q", errUnknownJob, job.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) observe(job *Job, outcome string) {
	if w.observer != nil {
		w.observer.ObserveJob(w.queue.Name(), job.Name, outcome)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
