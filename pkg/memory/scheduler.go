package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/memtier/pkg/bus"
	"github.com/dotsetgreg/memtier/pkg/logger"
)

// SchedulerConfig sets the maintenance cadence. Each interval drives an
// independent timer; Cron, when set, additionally requests a full pass on a
// cron schedule (checked once a minute).
type SchedulerConfig struct {
	ConsolidationInterval  time.Duration
	DecayInterval          time.Duration
	ContextRefreshInterval time.Duration
	Cron                   string
}

func (c *SchedulerConfig) normalize() {
	if c.ConsolidationInterval <= 0 {
		c.ConsolidationInterval = 5 * time.Minute
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = 15 * time.Minute
	}
	if c.ContextRefreshInterval <= 0 {
		c.ContextRefreshInterval = time.Minute
	}
}

// Scheduler publishes maintenance commands onto the bus at configured
// intervals. It never touches tiers directly; the manager's worker consumes
// the queue, so maintenance serializes with explicit RunMaintenance calls.
type Scheduler struct {
	cfg  SchedulerConfig
	bus  *bus.CommandBus
	cron *gronx.Gronx

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewScheduler(cfg SchedulerConfig, commandBus *bus.CommandBus) (*Scheduler, error) {
	cfg.normalize()
	s := &Scheduler{cfg: cfg, bus: commandBus, stopCh: make(chan struct{})}
	if cfg.Cron != "" {
		g := gronx.New()
		if !g.IsValid(cfg.Cron) {
			return nil, fmt.Errorf("%w: invalid maintenance cron %q", ErrValidation, cfg.Cron)
		}
		s.cron = g
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	consolidate := time.NewTicker(s.cfg.ConsolidationInterval)
	defer consolidate.Stop()
	decay := time.NewTicker(s.cfg.DecayInterval)
	defer decay.Stop()
	refresh := time.NewTicker(s.cfg.ContextRefreshInterval)
	defer refresh.Stop()

	var cronTick <-chan time.Time
	if s.cron != nil {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		cronTick = t.C
	}

	logger.InfoC("scheduler", "maintenance scheduler started",
		"consolidation", s.cfg.ConsolidationInterval.String(),
		"decay", s.cfg.DecayInterval.String(),
		"cron", s.cfg.Cron)

	for {
		select {
		case <-s.stopCh:
			return
		case <-consolidate.C:
			s.bus.Publish(bus.Command{Kind: bus.CommandConsolidate})
		case <-decay.C:
			s.bus.Publish(bus.Command{Kind: bus.CommandDecay})
		case <-refresh.C:
			s.bus.Publish(bus.Command{Kind: bus.CommandContextRefresh})
		case now := <-cronTick:
			due, err := s.cron.IsDue(s.cfg.Cron, now)
			if err != nil {
				logger.WarnC("scheduler", "cron evaluation failed", "error", err)
				continue
			}
			if due {
				s.bus.Publish(bus.Command{Kind: bus.CommandFull})
			}
		}
	}
}
