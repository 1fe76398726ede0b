// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// MaxConnsPerGroup caps the number of uplinks a single sender may bond
	// into one group.
	MaxConnsPerGroup = 16
	// MaxGroups caps the number of concurrently registered groups.
	MaxGroups = 200

	// CleanupPeriod is the minimum interval between registry cleanup passes.
	CleanupPeriod = 3 * time.Second
	// GroupTimeout is the age, counted from the group's creation, past
	// which a group without members is removed.
	GroupTimeout = 4 * time.Second
	// ConnTimeout is how long a silent connection survives before removal.
	ConnTimeout = 4 * time.Second

	// KeepalivePeriod is the idle interval after which the receiver sends a
	// keepalive to a registered uplink.
	KeepalivePeriod = 1 * time.Second
	// RecoveryChancePeriod is how long a connection that came back after a
	// timeout stays probationary before recovery is judged.
	RecoveryChancePeriod = 5 * time.Second

	// ConnQualityEvalPeriod is the minimum interval between scheduled quality
	// evaluations of a group.
	ConnQualityEvalPeriod = 5 * time.Second
	// ackThrottleInterval is the base minimum interval between ACK batches;
	// it is stretched to ackThrottleInterval/factor for throttled uplinks.
	ackThrottleInterval = 100 * time.Millisecond
	// MinACKRate is the floor for the per-connection ACK throttle factor.
	MinACKRate = 0.2

	// minAcceptableTotalBandwidthKbps is divided by the group size to derive
	// the minimum bandwidth the evaluator expects from any single uplink.
	minAcceptableTotalBandwidthKbps = 1000.0
	// goodConnectionThreshold classifies an uplink as poor when its bandwidth
	// falls below this fraction of the group median.
	goodConnectionThreshold = 0.5
	// connectionGracePeriod exempts young connections from receiver-metric
	// penalties while their counters ramp up.
	connectionGracePeriod = 10 * time.Second

	// keepaliveStalenessThreshold bounds how old sender telemetry may be
	// before the evaluator falls back to receiver-only metrics.
	keepaliveStalenessThreshold = 2 * time.Second

	// Weight tiers, in percent. The load balancer maps error points onto
	// these and derives the ACK throttle factor from them.
	WeightFull      = 100
	WeightExcellent = 85
	WeightDegraded  = 70
	WeightFair      = 55
	WeightPoor      = 40
	WeightCritical  = 10

	// RTT thresholds, in milliseconds of sender-reported round-trip time.
	rttThresholdCritical = 500
	rttThresholdHigh     = 200
	rttThresholdModerate = 100
	// rttVarianceThreshold is the RTT jitter (population stddev, ms) above
	// which a jitter penalty applies.
	rttVarianceThreshold = 50.0
	// rttHistorySize is the number of RTT samples kept per connection.
	rttHistorySize = 5

	// Sender NAK rate thresholds (NAKs per delivered packet).
	nakRateCritical = 0.20
	nakRateHigh     = 0.10
	nakRateModerate = 0.05
	nakRateLow      = 0.01

	// windowUtilizationCongested flags a persistently full sender window.
	windowUtilizationCongested = 0.95

	// bitrateDiscrepancyThreshold is the relative sender/receiver bitrate
	// difference above which a warning is logged.
	bitrateDiscrepancyThreshold = 0.20

	// RecvACKInt is the ACK batch size: one batched ACK is emitted for every
	// RecvACKInt data packets carrying a valid sequence number.
	RecvACKInt = 10

	// SocketInfoPrefix is the path prefix of the per-group advisory file
	// listing the peer addresses currently bonded to a group socket.
	SocketInfoPrefix = "/tmp/srtla-group-"

	// DefaultRecvBufSize and DefaultSendBufSize are applied to the bond
	// socket and to every group socket.
	DefaultRecvBufSize = 16 * 1024 * 1024
	DefaultSendBufSize = 16 * 1024 * 1024
)

// Config carries the settings the receiver core consumes. Validate replaces
// a zero SRTLAPort, an empty SRTHostname and non-positive buffer sizes with
// defaults, and rejects a zero SRTPort.
type Config struct {
	// SRTLAPort is the UDP port the bond socket listens on.
	SRTLAPort uint16 `toml:"srtla_port"`
	// SRTHostname and SRTPort name the downstream SRT server.
	SRTHostname string `toml:"srt_hostname"`
	SRTPort     uint16 `toml:"srt_port"`
	// LogLevel is one of trace, debug, info, warn, error, critical.
	LogLevel string `toml:"log_level"`

	// LoadBalancing switches the quality evaluator and ACK throttling on.
	// Disabled, every uplink keeps a throttle factor of 1.0.
	LoadBalancing bool `toml:"load_balancing"`

	RecvBufSize int `toml:"recv_buf_size"`
	SendBufSize int `toml:"send_buf_size"`
}

// DefaultConfig returns the receiver defaults.
func DefaultConfig() Config {
	return Config{
		SRTLAPort:     5000,
		SRTHostname:   "127.0.0.1",
		SRTPort:       4001,
		LogLevel:      "info",
		LoadBalancing: true,
		RecvBufSize:   DefaultRecvBufSize,
		SendBufSize:   DefaultSendBufSize,
	}
}

// LoadConfigFile decodes a TOML config file over the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("could not decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// Validate fills in defaults for unset fields and rejects nonsense values.
func (c *Config) Validate() error {
	if c.SRTLAPort == 0 {
		c.SRTLAPort = 5000
	}
	if c.SRTHostname == "" {
		c.SRTHostname = "127.0.0.1"
	}
	if c.SRTPort == 0 {
		return fmt.Errorf("srt_port must not be 0")
	}
	if c.RecvBufSize <= 0 {
		c.RecvBufSize = DefaultRecvBufSize
	}
	if c.SendBufSize <= 0 {
		c.SendBufSize = DefaultSendBufSize
	}
	return nil
}
