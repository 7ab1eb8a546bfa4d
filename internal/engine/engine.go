// Package engine evaluates security events against a fixed-priority chain
// of stateful detection rules. Evaluation is synchronous; all shared state
// lives in keyed sliding-window stores and the registry snapshot taken per
// call.
package engine

import (
	"log/slog"
	"sync/atomic"
	"time"

	"iotsentry/internal/config"
	"iotsentry/internal/model"
	"iotsentry/internal/registry"
)

type settings struct {
	det   config.DetectionConfig
	hours config.BusinessHours
}

// exemptRates reports whether rate-based rules are skipped for this event:
// privileged role during the configured business hours. Value-correctness
// and cross-device rules ignore this.
func (s *settings) exemptRates(ev model.Event) bool {
	return ev.UserRole.Privileged() && s.hours.Contains(ev.Timestamp)
}

type ruleFunc func(ev model.Event, snap *registry.Snapshot, set *settings) (model.Verdict, bool)

type Engine struct {
	logger   *slog.Logger
	registry *registry.Store
	set      atomic.Value // *settings
	flag     atomic.Bool

	rules []ruleFunc

	failedLogins  *windowStore // keyed by user
	commandBursts *windowStore // keyed by user
	powerReadings *windowStore // keyed by source
	resourceUsage *windowStore // keyed by source
	synPackets    *windowStore // keyed by source
	messageFlood  *windowStore // single global key
}

func NewEngine(det config.DetectionConfig, reg *registry.Store, logger *slog.Logger) (*Engine, error) {
	hours, err := config.ParseBusinessHours(det.BusinessHours)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		logger:        logger,
		registry:      reg,
		failedLogins:  newWindowStore(),
		commandBursts: newWindowStore(),
		powerReadings: newWindowStore(),
		resourceUsage: newWindowStore(),
		synPackets:    newWindowStore(),
		messageFlood:  newWindowStore(),
	}
	e.set.Store(&settings{det: det, hours: hours})
	e.rules = []ruleFunc{
		e.checkIPFormat,
		e.checkLANOnly,
		e.checkKnownDevice,
		e.checkKnownUser,
		e.checkRole,
		e.checkPrivilege,
		e.detectBruteForce,
		e.detectCommandInjection,
		e.checkPowerData,
		e.checkPowerRange,
		e.detectPowerAnomaly,
		e.detectResourceExhaustion,
		e.detectSYNFlood,
		e.detectMessageFlood,
	}
	return e, nil
}

// UpdateDetection swaps detection thresholds without disturbing window
// state.
func (e *Engine) UpdateDetection(det config.DetectionConfig) error {
	hours, err := config.ParseBusinessHours(det.BusinessHours)
	if err != nil {
		return err
	}
	e.set.Store(&settings{det: det, hours: hours})
	return nil
}

func (e *Engine) settings() *settings {
	return e.set.Load().(*settings)
}

// Evaluate runs the event down the rule chain and returns the first hit, or
// a default non-suspicious verdict. Suspicious hits latch the global flag.
func (e *Engine) Evaluate(ev model.Event) model.Verdict {
	set := e.settings()
	snap := e.registry.Snapshot()
	for _, rule := range e.rules {
		v, ok := rule(ev, &snap, set)
		if !ok {
			continue
		}
		if v.Suspicious {
			e.flag.Store(true)
		}
		return v
	}
	return model.Verdict{}
}

// SuspiciousActive reports whether any alert has fired since the last
// reset.
func (e *Engine) SuspiciousActive() bool {
	return e.flag.Load()
}

// ClearSuspicious is the administrative reset of the global flag.
func (e *Engine) ClearSuspicious() {
	e.flag.Store(false)
}

// DropSource releases the source-keyed windows for a retired worker.
// User-keyed windows survive: the same user may act through other sources.
func (e *Engine) DropSource(sourceID string) {
	e.powerReadings.DropKey(sourceID)
	e.resourceUsage.DropKey(sourceID)
	e.synPackets.DropKey(sourceID)
}

// PruneIdle drops every window not touched since the cutoff.
func (e *Engine) PruneIdle(cutoff time.Time) int {
	n := e.failedLogins.PruneIdle(cutoff)
	n += e.commandBursts.PruneIdle(cutoff)
	n += e.powerReadings.PruneIdle(cutoff)
	n += e.resourceUsage.PruneIdle(cutoff)
	n += e.synPackets.PruneIdle(cutoff)
	return n
}

// Reset clears all window state and the suspicious flag.
func (e *Engine) Reset() {
	e.failedLogins.Reset()
	e.commandBursts.Reset()
	e.powerReadings.Reset()
	e.resourceUsage.Reset()
	e.synPackets.Reset()
	e.messageFlood.Reset()
	e.flag.Store(false)
}
