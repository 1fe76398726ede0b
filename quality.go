// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"math"
	"sort"
	"time"

	"github.com/go-logr/logr"
)

// QualityEvaluator turns per-period traffic deltas and sender telemetry
// into error points per group member.
//
// Receiver-side metrics (bandwidth against the group median, packet loss)
// are always scored. Sender telemetry (RTT and jitter, NAK rate, window
// utilization, bitrate cross-check) is added only while the most recent
// extended keepalive is fresh; legacy senders that never send one are
// scored on receiver metrics alone. The resulting error points drive the
// load balancer's weight tiers and, through them, the ACK throttle the
// sender observes.
type QualityEvaluator struct {
	log logr.Logger
}

func NewQualityEvaluator(log logr.Logger) *QualityEvaluator {
	return &QualityEvaluator{log: log}
}

type memberMetrics struct {
	bwKbps      float64
	lossRatio   float64
	packetsDiff uint64
}

// Evaluate runs one scoring pass over the group. Passes are rate-limited
// to ConnQualityEvalPeriod unless force is set; the NAK burst path forces
// an out-of-schedule pass.
func (e *QualityEvaluator) Evaluate(g *Group, now time.Time, force bool) {
	if len(g.conns) == 0 || !g.loadBalancing {
		return
	}
	if !force && now.Sub(g.lastQualityEval) < ConnQualityEvalPeriod {
		return
	}
	g.log.V(1).Info("evaluating connection quality")

	g.totalTargetBandwidth = 0
	metrics := make([]memberMetrics, len(g.conns))
	for i, c := range g.conns {
		var m memberMetrics
		if !c.lastEval.IsZero() {
			elapsed := now.Sub(c.lastEval).Seconds()
			if elapsed > 0 {
				bytesDiff := c.bytesReceived - c.lastBytes
				m.packetsDiff = c.packetsReceived - c.lastPackets
				lostDiff := c.packetsLost - c.lastLost

				bytesPerSec := float64(bytesDiff) / elapsed
				m.bwKbps = bytesPerSec * 8 / 1000
				if m.packetsDiff > 0 {
					m.lossRatio = float64(lostDiff) / float64(m.packetsDiff+lostDiff)
				}
				g.totalTargetBandwidth += bytesPerSec
			}
		}
		metrics[i] = m
	}

	var maxKbps float64
	for _, m := range metrics {
		maxKbps = math.Max(maxKbps, m.bwKbps)
	}

	// The median deliberately prefers the members already doing well:
	// one dead uplink must not drag the yardstick down for the rest.
	var medianKbps float64
	if maxKbps > 0 {
		goodThreshold := maxKbps * goodConnectionThreshold
		var good, all []float64
		for _, m := range metrics {
			all = append(all, m.bwKbps)
			if m.bwKbps >= goodThreshold {
				good = append(good, m.bwKbps)
			}
		}
		if len(good) > 0 {
			medianKbps = median(good)
		} else {
			medianKbps = median(all)
		}
	}

	minExpected := math.Max(100, minAcceptableTotalBandwidthKbps/float64(len(metrics)))

	g.log.V(1).Info("group bandwidth figures",
		"totalKbps", g.totalTargetBandwidth*8/1000,
		"maxKbps", maxKbps, "medianKbps", medianKbps,
		"minExpectedKbps", minExpected)

	for i, c := range g.conns {
		m := metrics[i]

		if now.Sub(c.createdAt) < connectionGracePeriod {
			// Young connections get a clean slate while their
			// counters ramp up; telemetry still counts below.
			g.log.V(1).Info("connection in grace period", "peer", c.addr.String())
			c.errorPoints = 0
		} else {
			c.errorPoints = 0

			poor := m.bwKbps < medianKbps*goodConnectionThreshold
			expected := medianKbps
			if poor {
				expected = minExpected
			}
			expected = math.Max(expected, minExpected)
			var performance float64
			if expected > 0 {
				performance = m.bwKbps / expected
			}

			c.errorPoints += bandwidthPenalty(performance, c.supportsExtKeepalive)
			c.errorPoints += lossPenalty(m.lossRatio)
		}

		var telemetryPoints int
		hasTelemetry := c.hasValidSenderTelemetry(now)
		if hasTelemetry {
			telemetryPoints += rttPenalty(c)
			telemetryPoints += nakRatePenalty(c, m.packetsDiff)
			telemetryPoints += windowPenalty(c)
			e.checkBitrate(g, c, m.bwKbps*125)
			c.errorPoints += telemetryPoints
		}

		// Snapshots move only after every figure for this member has
		// been derived, so the NAK rate saw the same packet delta the
		// bandwidth did.
		c.lastBytes = c.bytesReceived
		c.lastPackets = c.packetsReceived
		c.lastLost = c.packetsLost
		c.lastEval = now
		c.nackCount = 0

		g.log.V(1).Info("connection scored",
			"peer", c.addr.String(),
			"bwKbps", m.bwKbps,
			"lossRatio", m.lossRatio,
			"senderTelemetry", hasTelemetry,
			"telemetryPoints", telemetryPoints,
			"errorPoints", c.errorPoints)
	}

	g.lastQualityEval = now
}

// bandwidthPenalty scores throughput against expectation. Senders capable
// of extended keepalives get the softened schedule: an idle telemetry
// uplink measures as low-bandwidth, and full penalties would throttle it
// into permanent disuse through the ACK path. Legacy senders keep the
// aggressive schedule since bandwidth is the only signal they give us.
func bandwidthPenalty(performance float64, extKeepalive bool) int {
	if extKeepalive {
		switch {
		case performance < 0.3:
			return 10
		case performance < 0.5:
			return 7
		case performance < 0.7:
			return 4
		case performance < 0.85:
			return 2
		}
		return 0
	}
	switch {
	case performance < 0.3:
		return 40
	case performance < 0.5:
		return 25
	case performance < 0.7:
		return 15
	case performance < 0.85:
		return 5
	}
	return 0
}

func lossPenalty(ratio float64) int {
	switch {
	case ratio > 0.20:
		return 40
	case ratio > 0.10:
		return 20
	case ratio > 0.05:
		return 10
	case ratio > 0.01:
		return 5
	}
	return 0
}

func rttPenalty(c *Conn) int {
	var points int
	switch {
	case c.telemetry.rtt > rttThresholdCritical:
		points += 20
	case c.telemetry.rtt > rttThresholdHigh:
		points += 10
	case c.telemetry.rtt > rttThresholdModerate:
		points += 5
	}
	if c.rttJitter() > rttVarianceThreshold {
		points += 10
	}
	return points
}

// nakRatePenalty scores the sender's retransmission requests against the
// packets delivered this period, then moves the NAK snapshot forward.
func nakRatePenalty(c *Conn, packetsDiff uint64) int {
	if packetsDiff == 0 || c.telemetry.nakCount == 0 {
		return 0
	}
	nakDiff := c.telemetry.nakCount - c.telemetry.lastNAKCount
	rate := float64(nakDiff) / float64(packetsDiff)

	var points int
	switch {
	case rate > nakRateCritical:
		points = 40
	case rate > nakRateHigh:
		points = 20
	case rate > nakRateModerate:
		points = 10
	case rate > nakRateLow:
		points = 5
	}
	c.telemetry.lastNAKCount = c.telemetry.nakCount
	return points
}

// windowPenalty flags a persistently full sender window. Low utilization
// may just be client-side pacing and is not penalized.
func windowPenalty(c *Conn) int {
	if c.telemetry.window <= 0 {
		return 0
	}
	if float64(c.telemetry.inFlight)/float64(c.telemetry.window) > windowUtilizationCongested {
		return 15
	}
	return 0
}

// checkBitrate cross-checks the sender's reported bitrate against the
// receiver's own measurement. A large discrepancy is logged but carries
// no error points.
func (e *QualityEvaluator) checkBitrate(g *Group, c *Conn, receiverBps float64) {
	senderBps := float64(c.telemetry.bitrateBps)
	if senderBps == 0 {
		return
	}
	ratio := math.Abs(receiverBps-senderBps) / senderBps
	if ratio > bitrateDiscrepancyThreshold {
		g.log.Info("large bitrate discrepancy",
			"peer", c.addr.String(),
			"senderBps", c.telemetry.bitrateBps,
			"receiverBps", uint64(receiverBps),
			"ratio", ratio)
	}
}

func median(values []float64) float64 {
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		return (values[mid-1] + values[mid]) / 2
	}
	return values[mid]
}
