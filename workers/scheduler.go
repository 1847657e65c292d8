package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quiz-progression-system/logger"

	"github.com/go-co-op/gocron/v2"
)

// periodicJob owns a gocron scheduler running one task on a fixed interval. Overlapping runs are
// skipped by the scheduler's singleton mode.
type periodicJob struct {
	name     string
	log      *logger.Logger
	task     func(ctx context.Context)
	mu       sync.Mutex
	interval time.Duration
	sched    gocron.Scheduler
	job      gocron.Job
	ctx      context.Context
	done     chan struct{}
	watching chan struct{}
}

func (p *periodicJob) jobOptions() []gocron.JobOption {
	return []gocron.JobOption{
		gocron.WithName(p.name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
}

func (p *periodicJob) newTask() gocron.Task {
	return gocron.NewTask(func() {
		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		p.task(ctx)
	})
}

// start schedules the task. A second start while running is a no-op.
func (p *periodicJob) start(ctx context.Context, immediately bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("%s: create scheduler: %w", p.name, err)
	}
	opts := p.jobOptions()
	if immediately {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	job, err := sched.NewJob(gocron.DurationJob(p.interval), p.newTask(), opts...)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("%s: schedule job: %w", p.name, err)
	}

	p.ctx = ctx
	p.sched = sched
	p.job = job
	p.done = make(chan struct{})
	p.watching = make(chan struct{})
	sched.Start()

	go p.watch(ctx, sched, p.done, p.watching)

	p.log.Info("⏱️ job scheduled", "job", p.name, "interval", p.interval.String())
	return nil
}

// watch stops sched when ctx ends. It exits early once stop releases done.
func (p *periodicJob) watch(ctx context.Context, sched gocron.Scheduler, done, watching chan struct{}) {
	defer close(watching)
	select {
	case <-ctx.Done():
		_ = p.shutdown(sched)
	case <-done:
	}
}

// stop cancels future runs. Safe to call repeatedly.
func (p *periodicJob) stop() error {
	return p.shutdown(nil)
}

// shutdown stops the running scheduler. A non-nil owner only stops that instance, so a
// watcher left over from an earlier start cannot stop a restarted job.
func (p *periodicJob) shutdown(owner gocron.Scheduler) error {
	p.mu.Lock()
	sched := p.sched
	if sched == nil || (owner != nil && owner != sched) {
		p.mu.Unlock()
		return nil
	}
	p.sched = nil
	p.job = nil
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	p.mu.Unlock()

	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("%s: shutdown: %w", p.name, err)
	}
	p.log.Info("⏹️ job stopped", "job", p.name)
	return nil
}

// setInterval changes the interval, rescheduling the job when it is running.
func (p *periodicJob) setInterval(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
	if p.sched == nil || p.job == nil {
		return nil
	}
	job, err := p.sched.Update(p.job.ID(), gocron.DurationJob(d), p.newTask(), p.jobOptions()...)
	if err != nil {
		return fmt.Errorf("%s: reschedule: %w", p.name, err)
	}
	p.job = job
	p.log.Info("⏱️ job rescheduled", "job", p.name, "interval", d.String())
	return nil
}

func (p *periodicJob) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *periodicJob) scheduled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched != nil
}

func (p *periodicJob) nextRun() *time.Time {
	p.mu.Lock()
	job := p.job
	p.mu.Unlock()
	if job == nil {
		return nil
	}
	next, err := job.NextRun()
	if err != nil || next.IsZero() {
		return nil
	}
	return &next
}
