package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DailySpec fires at local midnight of the scheduler location.
	DailySpec = "0 0 * * *"
	// CatchUpSpec repeats the reset hourly; the job is idempotent per day, so
	// this only matters when the midnight run was missed.
	CatchUpSpec = "@hourly"
)

// Scheduler управляет ежедневным сбросом квот
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	resetFunc func(ctx context.Context) (bool, error)
}

// New создает планировщик в заданной таймзоне
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		location: loc,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetResetFunction устанавливает функцию сброса счетчиков
func (s *Scheduler) SetResetFunction(f func(ctx context.Context) (bool, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetFunc = f
}

// RunNow выполняет сброс немедленно
func (s *Scheduler) RunNow() {
	s.mu.Lock()
	f := s.resetFunc
	s.mu.Unlock()
	if f == nil {
		return
	}
	done, err := f(s.ctx)
	if err != nil {
		log.Printf("❌ Daily reset failed: %v", err)
		return
	}
	if done {
		log.Println("✅ Daily reset completed")
	}
}

// Start runs the reset once, then on schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	f := s.resetFunc
	s.mu.Unlock()
	if f == nil {
		log.Println("⚠️ Reset function not set, scheduler will not reset quotas")
		return nil
	}

	s.RunNow()

	if _, err := s.cron.AddFunc(DailySpec, func() {
		log.Printf("🕛 Triggered daily reset at midnight %s", s.location)
		s.RunNow()
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(CatchUpSpec, s.RunNow); err != nil {
		return err
	}

	s.cron.Start()
	log.Printf("📅 Scheduler started - quotas reset at midnight %s", s.location)
	return nil
}

// Stop останавливает планировщик
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	log.Println("📅 Scheduler stopped")
}

// IsRunning проверяет, запущен ли планировщик
func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}

// NextRun returns when the midnight job fires next, zero if not scheduled.
func (s *Scheduler) NextRun() time.Time {
	sched, err := cron.ParseStandard(DailySpec)
	if err != nil || !s.IsRunning() {
		return time.Time{}
	}
	return sched.Next(time.Now().In(s.location))
}
