// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"math"
	"time"

	"github.com/go-logr/logr"
)

const (
	// Recovery boost for telemetry-capable members: once their error
	// points fall back under recoveryBoostMaxErrors, a deep throttle is
	// lifted by recoveryBoostStep (capped at recoveryBoostCap) so the
	// sender starts offering them traffic again. Without the boost a
	// throttled uplink stays unobserved and never earns its way back.
	recoveryBoostBelow     = 0.5
	recoveryBoostStep      = 0.15
	recoveryBoostCap       = 0.6
	recoveryBoostMaxErrors = 15

	// throttleCommitEpsilon suppresses churn from sub-percent changes.
	throttleCommitEpsilon = 0.01
)

// LoadBalancer maps error points onto weight tiers and derives each
// member's ACK throttle factor from its weight relative to the group's
// best member.
type LoadBalancer struct {
	log logr.Logger
}

func NewLoadBalancer(log logr.Logger) *LoadBalancer {
	return &LoadBalancer{log: log}
}

func weightFor(errorPoints int) int {
	switch {
	case errorPoints >= 40:
		return WeightCritical
	case errorPoints >= 25:
		return WeightPoor
	case errorPoints >= 15:
		return WeightFair
	case errorPoints >= 10:
		return WeightDegraded
	case errorPoints >= 5:
		return WeightExcellent
	}
	return WeightFull
}

// Adjust recomputes weights and throttle factors for the group. With load
// balancing enabled it runs once per quality evaluation; disabled, it is
// rate-limited to the evaluation period and only restores full throttle.
func (b *LoadBalancer) Adjust(g *Group, now time.Time) {
	if len(g.conns) == 0 {
		return
	}
	if g.loadBalancing {
		if !g.lastLoadBalanceEval.Before(g.lastQualityEval) {
			return
		}
	} else if !g.lastLoadBalanceEval.IsZero() && now.Sub(g.lastLoadBalanceEval) < ConnQualityEvalPeriod {
		return
	}
	g.lastLoadBalanceEval = now

	anyChange := false
	var maxWeight, active int
	for _, c := range g.conns {
		w := weightFor(c.errorPoints)
		if w != c.weight {
			c.weight = w
			anyChange = true
		}
		if !c.timedOut(now) {
			if c.weight > maxWeight {
				maxWeight = c.weight
			}
			active++
		}
	}

	g.log.V(1).Info("adjusting weights",
		"connections", len(g.conns), "active", active,
		"maxWeight", maxWeight, "loadBalancing", g.loadBalancing)

	if g.loadBalancing && active > 1 {
		for _, c := range g.conns {
			absolute := float64(c.weight) / WeightFull
			var relative float64
			if maxWeight > 0 {
				relative = float64(c.weight) / float64(maxWeight)
			}
			throttle := math.Max(MinACKRate, math.Min(absolute, relative))

			if c.supportsExtKeepalive && throttle < recoveryBoostBelow && c.errorPoints < recoveryBoostMaxErrors {
				throttle = math.Min(throttle+recoveryBoostStep, recoveryBoostCap)
			}

			if math.Abs(c.ackThrottle-throttle) > throttleCommitEpsilon {
				g.log.V(1).Info("throttle factor updated",
					"peer", c.addr.String(),
					"old", c.ackThrottle, "new", throttle,
					"weight", c.weight, "maxWeight", maxWeight)
				c.ackThrottle = throttle
				anyChange = true
			}
		}
	} else {
		// A lone uplink, or balancing switched off: never hold ACKs
		// back, the sender has nowhere better to steer traffic.
		for _, c := range g.conns {
			if c.ackThrottle != 1.0 {
				c.ackThrottle = 1.0
				anyChange = true
			}
		}
	}

	if !anyChange {
		g.log.V(1).Info("no weight or throttle adjustments needed")
		return
	}
	g.log.Info("connection parameters adjusted")
	for _, c := range g.conns {
		g.log.Info("connection state",
			"peer", c.addr.String(),
			"weight", c.weight,
			"throttle", c.ackThrottle,
			"errorPoints", c.errorPoints,
			"bytes", c.bytesReceived,
			"packets", c.packetsReceived,
			"lost", c.packetsLost)
	}
}
