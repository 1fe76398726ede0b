// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"crypto/subtle"
	"errors"
	"net"
	"time"

	"github.com/go-logr/logr"
)

// ErrGroupsFull is returned by AddGroup when the registry already holds
// MaxGroups groups.
var ErrGroupsFull = errors.New("maximum number of groups reached")

const (
	// reg2WaitMax bounds how long a REG2 lookup waits for its group to
	// appear; reg2WaitStep is the cooperative yield between polls.
	reg2WaitMax  = 200 * time.Millisecond
	reg2WaitStep = time.Millisecond
)

// Registry holds all groups known to the receiver. It is owned by the
// run loop and must not be touched from other goroutines.
type Registry struct {
	groups      []*Group
	lastCleanup time.Time

	log logr.Logger
}

func NewRegistry(log logr.Logger) *Registry {
	return &Registry{log: log}
}

// Groups returns the currently registered groups.
func (r *Registry) Groups() []*Group { return r.groups }

func (r *Registry) AddGroup(g *Group) error {
	if len(r.groups) >= MaxGroups {
		return ErrGroupsFull
	}
	r.groups = append(r.groups, g)
	return nil
}

// RemoveGroup drops the group from the registry and releases its
// server-facing socket and advisory file.
func (r *Registry) RemoveGroup(victim *Group) {
	kept := r.groups[:0]
	for _, g := range r.groups {
		if g != victim {
			kept = append(kept, g)
		}
	}
	r.groups = kept
	victim.close()
}

// FindByID locates a group by its full id. The comparison does not
// short-circuit, so lookup time does not reveal how much of a guessed id
// matched.
func (r *Registry) FindByID(id []byte) *Group {
	for _, g := range r.groups {
		if subtle.ConstantTimeCompare(g.id[:], id) == 1 {
			return g
		}
	}
	return nil
}

// FindByIDWait retries FindByID for up to reg2WaitMax, yielding between
// polls. REG2 may arrive on a second uplink before the REG1 exchange that
// creates the group has finished; the bounded wait absorbs that race.
// REG2 is low-frequency, so stalling the loop briefly is acceptable.
func (r *Registry) FindByIDWait(id []byte) *Group {
	deadline := time.Now().Add(reg2WaitMax)
	for {
		if g := r.FindByID(id); g != nil {
			return g
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		time.Sleep(reg2WaitStep)
	}
}

// FindByAddr maps a peer address to its connection. Registered members
// are preferred; when no member matches, a group whose last upstream
// packet came from the address is returned with a nil connection.
func (r *Registry) FindByAddr(addr *net.UDPAddr) (*Group, *Conn) {
	for _, g := range r.groups {
		for _, c := range g.conns {
			if udpAddrEqual(c.addr, addr) {
				return g, c
			}
		}
	}
	for _, g := range r.groups {
		if udpAddrEqual(g.lastAddr, addr) {
			return g, nil
		}
	}
	return nil, nil
}

// Cleanup removes timed-out connections and expired empty groups, judges
// pending recoveries and emits keepalives to idle members. Runs at most
// once per CleanupPeriod.
func (r *Registry) Cleanup(now time.Time, sendKeepalive func(*Group, *Conn)) {
	if now.Sub(r.lastCleanup) < CleanupPeriod {
		return
	}
	r.lastCleanup = now

	if len(r.groups) == 0 {
		return
	}
	r.log.V(1).Info("starting a cleanup run")

	totalGroups := len(r.groups)
	var totalConns, removedGroups, removedConns int

	keptGroups := r.groups[:0]
	for _, g := range r.groups {
		before := len(g.conns)
		totalConns += before

		keptConns := g.conns[:0]
		for _, c := range g.conns {
			if !c.recoveryStart.IsZero() {
				if c.lastReceived.After(c.recoveryStart) {
					if now.Sub(c.recoveryStart) > RecoveryChancePeriod {
						g.log.Info("connection recovery completed", "peer", c.addr.String())
						c.recoveryStart = time.Time{}
					}
				} else if now.Sub(c.recoveryStart) > RecoveryChancePeriod {
					g.log.Info("connection recovery failed", "peer", c.addr.String())
					c.recoveryStart = time.Time{}
				}
			}

			if c.timedOut(now) {
				removedConns++
				g.log.Info("connection removed (timed out)", "peer", c.addr.String())
				continue
			}
			if sendKeepalive != nil && now.Sub(c.lastReceived) > KeepalivePeriod {
				sendKeepalive(g, c)
			}
			keptConns = append(keptConns, c)
		}
		g.conns = keptConns

		if len(g.conns) == 0 && now.Sub(g.createdAt) > GroupTimeout {
			removedGroups++
			g.log.Info("group removed (no connections)")
			g.close()
			continue
		}
		if before != len(g.conns) {
			g.writeSocketInfo()
		}
		keptGroups = append(keptGroups, g)
	}
	r.groups = keptGroups

	r.log.V(1).Info("cleanup run ended",
		"groups", totalGroups, "connections", totalConns,
		"removedGroups", removedGroups, "removedConnections", removedConns)
}
