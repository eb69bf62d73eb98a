package domain

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Sweeper reconciles the introduced-domain map with platform liveness.
// It runs on its own goroutine, woken by the domain-liveness interrupt
// (Kick) and by a periodic fallback tick; entries whose guest is missing,
// dying or shut down are set inactive and released.
type Sweeper struct {
	mgr     *Mgr
	release func(domid uint32) error
	wake    chan struct{}

	// Interval is the fallback sweep period when no interrupt arrives.
	Interval time.Duration
}

// NewSweeper builds a sweeper; release is the registry's domain release,
// which also fires @releaseDomain.
func NewSweeper(mgr *Mgr, release func(domid uint32) error) *Sweeper {
	return &Sweeper{
		mgr:      mgr,
		release:  release,
		wake:     make(chan struct{}, 1),
		Interval: 5 * time.Second,
	}
}

// Kick requests a sweep. Interrupt-driven callers signal here; kicks
// coalesce.
func (s *Sweeper) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives sweeps until stop is closed.
func (s *Sweeper) Run(stop <-chan struct{}) {
	tick := time.NewTicker(s.Interval)
	defer tick.Stop()
	for {
		select {
		case <-s.wake:
		case <-tick.C:
		case <-stop:
			return
		}
		s.sweep()
	}
}

func (s *Sweeper) sweep() {
	for _, d := range s.mgr.Snapshot() {
		info, err := s.mgr.adapter.DomainInfo(d.domid)
		if err != nil {
			log.WithField("domid", d.domid).WithError(err).
				Warn("domain: liveness query")
			continue
		}
		if info.Exists && !info.Dying && !(info.ShutDown || info.Crashed) {
			continue
		}
		s.mgr.SetInactive(d.domid)
		if err := s.release(d.domid); err != nil {
			log.WithField("domid", d.domid).WithError(err).
				Warn("domain: releasing dead domain")
		}
	}
}
