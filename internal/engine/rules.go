package engine

import (
	"encoding/json"
	"math"
	"net/netip"
	"strconv"
	"strings"

	"iotsentry/internal/model"
	"iotsentry/internal/registry"
)

const globalFloodKey = "*"

func none() (model.Verdict, bool) {
	return model.Verdict{}, false
}

func hit(rule string, suspicious bool, detail map[string]any) (model.Verdict, bool) {
	return model.Verdict{RuleHit: rule, Suspicious: suspicious, Detail: detail}, true
}

func (e *Engine) checkIPFormat(ev model.Event, _ *registry.Snapshot, _ *settings) (model.Verdict, bool) {
	if _, err := netip.ParseAddr(ev.SourceID); err != nil {
		return hit(model.RuleInvalidIPFormat, true, map[string]any{"ip": ev.SourceID})
	}
	return none()
}

func (e *Engine) checkLANOnly(ev model.Event, _ *registry.Snapshot, _ *settings) (model.Verdict, bool) {
	addr, err := netip.ParseAddr(ev.SourceID)
	if err != nil {
		return none()
	}
	if !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
		return hit(model.RuleNonLANAccess, true, map[string]any{"ip": ev.SourceID})
	}
	return none()
}

func (e *Engine) checkKnownDevice(ev model.Event, snap *registry.Snapshot, _ *settings) (model.Verdict, bool) {
	if _, ok := snap.DeviceLabel(ev.SourceID); !ok {
		return hit(model.RuleUnknownDevice, false, map[string]any{"ip": ev.SourceID})
	}
	return none()
}

func (e *Engine) checkKnownUser(ev model.Event, snap *registry.Snapshot, _ *settings) (model.Verdict, bool) {
	if _, ok := snap.UserPrivilege(ev.UserID); !ok {
		return hit(model.RuleUnknownUser, false, map[string]any{"user": ev.UserID})
	}
	return none()
}

func (e *Engine) checkRole(ev model.Event, _ *registry.Snapshot, _ *settings) (model.Verdict, bool) {
	if !ev.UserRole.Valid() {
		return hit(model.RuleInvalidRole, false, map[string]any{"role": string(ev.UserRole)})
	}
	return none()
}

func (e *Engine) checkPrivilege(ev model.Event, snap *registry.Snapshot, _ *settings) (model.Verdict, bool) {
	max, ok := snap.UserPrivilege(ev.UserID)
	if !ok {
		return none()
	}
	if ev.UserRole.Rank() > max.Rank() {
		return hit(model.RulePrivilegeEscalation, false, map[string]any{
			"user":          ev.UserID,
			"claimed_role":  string(ev.UserRole),
			"max_privilege": string(max),
		})
	}
	return none()
}

func (e *Engine) detectBruteForce(ev model.Event, _ *registry.Snapshot, set *settings) (model.Verdict, bool) {
	if ev.EventName != model.EventLoginAttempt {
		return none()
	}
	success, ok := contextBool(ev.Context, "success")
	if !ok || success {
		return none()
	}
	count, _ := e.failedLogins.Observe(ev.UserID, Sample{Timestamp: ev.Timestamp, Weight: 1}, set.det.FailedLoginWindow)
	if count <= set.det.FailedLoginLimit {
		return none()
	}
	// Sample is recorded either way; only the alert is suppressed.
	if set.exemptRates(ev) {
		return none()
	}
	return hit(model.RuleBruteForceLogin, true, map[string]any{
		"user":     ev.UserID,
		"attempts": count,
	})
}

func (e *Engine) detectCommandInjection(ev model.Event, snap *registry.Snapshot, set *settings) (model.Verdict, bool) {
	command := ev.EventName
	if ev.EventName == model.EventControlCommand {
		command, _ = contextString(ev.Context, "command")
	}
	if !snap.IsDangerous(command) {
		return none()
	}
	count, _ := e.commandBursts.Observe(ev.UserID, Sample{Timestamp: ev.Timestamp, Weight: 1}, set.det.CommandSpamWindow)
	if count <= set.det.CommandSpamLimit {
		return none()
	}
	if set.exemptRates(ev) {
		return none()
	}
	return hit(model.RuleCommandInjection, true, map[string]any{
		"command": command,
		"user":    ev.UserID,
		"count":   count,
	})
}

func (e *Engine) checkPowerData(ev model.Event, _ *registry.Snapshot, _ *settings) (model.Verdict, bool) {
	if ev.EventName != model.EventPowerReading {
		return none()
	}
	value, ok := contextFloat(ev.Context, "percent")
	if !ok {
		return hit(model.RuleInvalidPowerData, false, map[string]any{"data": ev.Context["percent"]})
	}
	if value < 0 {
		return hit(model.RuleInvalidPowerData, false, map[string]any{"data": value})
	}
	return none()
}

func (e *Engine) checkPowerRange(ev model.Event, _ *registry.Snapshot, set *settings) (model.Verdict, bool) {
	if ev.EventName != model.EventPowerReading {
		return none()
	}
	value, ok := contextFloat(ev.Context, "percent")
	if !ok {
		return none()
	}
	if value > set.det.PowerMaxPercent {
		return hit(model.RulePowerOutOfRange, false, map[string]any{"value": value})
	}
	return none()
}

func (e *Engine) detectPowerAnomaly(ev model.Event, snap *registry.Snapshot, set *settings) (model.Verdict, bool) {
	if ev.EventName != model.EventPowerReading {
		return none()
	}
	value, ok := contextFloat(ev.Context, "percent")
	if !ok {
		return none()
	}
	var verdict model.Verdict
	var fired bool
	e.powerReadings.ObserveFunc(ev.SourceID, ev.Timestamp, set.det.PowerWindow, func(w *window) {
		// Baseline uses only samples strictly preceding this reading, so a
		// spike cannot dilute its own comparison.
		prior := w.count()
		if prior >= set.det.PowerMinSamples {
			mean := w.sum() / float64(prior)
			if mean > 0 && value > set.det.PowerSpikeRatio*mean {
				label, _ := snap.DeviceLabel(ev.SourceID)
				if label == "" {
					label = "unknown"
				}
				verdict = model.Verdict{
					RuleHit:    model.RulePowerAnomaly,
					Suspicious: true,
					Detail: map[string]any{
						"device":        label,
						"current_value": value,
						"baseline_mean": round2(mean),
						"spike_ratio":   round2(value / mean),
						"samples":       prior,
					},
				}
				fired = true
			}
		}
		w.add(Sample{Timestamp: ev.Timestamp, Weight: value})
	})
	if fired {
		return verdict, true
	}
	return none()
}

func (e *Engine) detectResourceExhaustion(ev model.Event, snap *registry.Snapshot, set *settings) (model.Verdict, bool) {
	if ev.EventName != model.EventResourceUsage {
		return none()
	}
	usage, ok := contextFloat(ev.Context, "usage")
	if !ok {
		return none()
	}
	var verdict model.Verdict
	var fired bool
	e.resourceUsage.ObserveFunc(ev.SourceID, ev.Timestamp, set.det.ResourceWindow, func(w *window) {
		w.add(Sample{Timestamp: ev.Timestamp, Weight: usage})
		count := w.count()
		if count < set.det.ResourceMinSamples {
			return
		}
		sustained := true
		w.each(func(s Sample) bool {
			if s.Weight < set.det.ResourceHighUsage {
				sustained = false
				return false
			}
			return true
		})
		if !sustained {
			return
		}
		label, _ := snap.DeviceLabel(ev.SourceID)
		if label == "" {
			label = "unknown"
		}
		verdict = model.Verdict{
			RuleHit:    model.RuleResourceExhaustion,
			Suspicious: true,
			Detail: map[string]any{
				"device":           label,
				"duration_seconds": count,
				"avg_usage":        round3(w.sum() / float64(count)),
			},
		}
		fired = true
	})
	if fired {
		return verdict, true
	}
	return none()
}

func (e *Engine) detectSYNFlood(ev model.Event, _ *registry.Snapshot, set *settings) (model.Verdict, bool) {
	if ev.EventName != model.EventPacketSYN {
		return none()
	}
	rate, ok := contextFloat(ev.Context, "rate")
	if !ok {
		// No self-reported rate: derive one from the packets observed for
		// this source within the current bucket.
		packets := 1.0
		if c, ok := contextFloat(ev.Context, "count"); ok && c > 0 {
			packets = c
		}
		_, sum := e.synPackets.Observe(ev.SourceID, Sample{Timestamp: ev.Timestamp, Weight: packets}, set.det.SYNBucket)
		rate = sum / set.det.SYNBucket.Seconds()
	}
	if rate <= float64(set.det.SYNFloodRate) {
		return none()
	}
	if set.exemptRates(ev) {
		return none()
	}
	user := ev.UserID
	if multi, _ := contextBool(ev.Context, "multi_user"); multi {
		user = "multiple"
	}
	return hit(model.RuleSYNFlood, true, map[string]any{
		"user":   user,
		"rate":   rate,
		"source": ev.SourceID,
	})
}

func (e *Engine) detectMessageFlood(ev model.Event, _ *registry.Snapshot, set *settings) (model.Verdict, bool) {
	var messages float64
	switch ev.EventName {
	case model.EventMQTTPublish:
		messages = 1
	case model.EventMQTTBatch:
		messages = 10000
	default:
		return none()
	}
	if c, ok := contextFloat(ev.Context, "count"); ok && c > 0 {
		messages = c
	}
	count, sum := e.messageFlood.Observe(globalFloodKey, Sample{Timestamp: ev.Timestamp, Weight: messages}, set.det.MessageFloodWindow)
	if sum <= float64(set.det.MessageFloodLimit) {
		return none()
	}
	return hit(model.RuleMessageFlood, true, map[string]any{
		"events_in_window":   count,
		"messages_in_window": int(sum),
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Context values arrive from JSON decoding and remote producers, so the
// coercions below accept the types encoding/json actually produces plus
// numeric strings.

func contextFloat(ctx map[string]any, key string) (float64, bool) {
	if ctx == nil {
		return 0, false
	}
	switch v := ctx[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func contextBool(ctx map[string]any, key string) (value, present bool) {
	if ctx == nil {
		return false, false
	}
	switch v := ctx[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	default:
		return false, false
	}
}

func contextString(ctx map[string]any, key string) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx[key].(string)
	return v, ok
}
