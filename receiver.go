// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// event is one datagram handed from a reader goroutine to the run loop.
// Server-side events carry the group id, never the group itself: the
// group may be torn down while the event sits in the channel, and the run
// loop re-resolves the id and skips events whose group is gone.
type event struct {
	buf        []byte
	peer       *net.UDPAddr
	groupID    [GroupIDLen]byte
	fromServer bool
	err        error
}

// Receiver is the bonded-uplink receiver. One goroutine per socket feeds
// datagrams into the events channel; a single run loop owns the registry
// and all group and connection state.
type Receiver struct {
	cfg Config
	log logr.Logger

	bond    *net.UDPConn
	srtAddr *net.UDPAddr

	registry *Registry
	bondSide *BondHandler
	srtSide  *SRTHandler
	quality  *QualityEvaluator
	balancer *LoadBalancer

	events  chan event
	readers *errgroup.Group
	ctx     context.Context
}

// New resolves the SRT server, binds the bond socket and wires up the
// handlers. The receiver does nothing until Run is called.
func New(cfg Config, log logr.Logger) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srtAddr, err := ResolveSRTAddr(cfg.SRTHostname, cfg.SRTPort, cfg.RecvBufSize, cfg.SendBufSize, log)
	if err != nil {
		return nil, err
	}

	bond, err := listenBond(cfg)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(log)
	quality := NewQualityEvaluator(log)
	srtSide := NewSRTHandler(bond, srtAddr, registry, cfg, log)
	bondSide := NewBondHandler(bond, registry, srtSide, quality, cfg, log)

	r := &Receiver{
		cfg:      cfg,
		log:      log,
		bond:     bond,
		srtAddr:  srtAddr,
		registry: registry,
		bondSide: bondSide,
		srtSide:  srtSide,
		quality:  quality,
		balancer: NewLoadBalancer(log),
		events:   make(chan event, 1024),
	}
	srtSide.watch = r.watchGroup
	return r, nil
}

// listenBond binds the dual-stack bond socket. IPV6_V6ONLY is cleared
// before bind so IPv4 senders reach the same port, and the kernel buffers
// are sized up front.
func listenBond(cfg Config) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); sockErr != nil {
					return
				}
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBufSize); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufSize)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp6", "[::]:"+strconv.Itoa(int(cfg.SRTLAPort)))
	if err != nil {
		return nil, fmt.Errorf("could not bind the bond socket on port %d: %w", cfg.SRTLAPort, err)
	}
	return pc.(*net.UDPConn), nil
}

// Run drives the receiver until the context is cancelled. All state
// mutation happens on this goroutine.
func (r *Receiver) Run(ctx context.Context) error {
	readers, ctx := errgroup.WithContext(ctx)
	r.readers = readers
	r.ctx = ctx
	readers.Go(func() error { return r.readBond(ctx) })

	r.log.Info("srtla receiver is now running",
		"port", r.cfg.SRTLAPort, "srtServer", r.srtAddr.String())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case ev := <-r.events:
			now := time.Now()
			r.dispatch(ev, now)
			r.housekeeping(now)
		case <-ticker.C:
			r.housekeeping(time.Now())
		}
	}

	r.shutdown()
	if err := readers.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func (r *Receiver) dispatch(ev event, now time.Time) {
	if !ev.fromServer {
		r.bondSide.HandlePacket(ev.buf, ev.peer, now)
		return
	}

	group := r.registry.FindByID(ev.groupID[:])
	if group == nil {
		// Torn down after the event was queued.
		return
	}
	if ev.err != nil {
		group.log.Error(ev.err, "group socket failed, terminating the group")
		r.registry.RemoveGroup(group)
		return
	}
	r.srtSide.HandleServerData(group, ev.buf)
}

// housekeeping runs the periodic passes. Each is rate-limited internally,
// so calling it on every loop turn is cheap.
func (r *Receiver) housekeeping(now time.Time) {
	r.registry.Cleanup(now, r.bondSide.SendKeepalive)
	for _, g := range r.registry.Groups() {
		r.quality.Evaluate(g, now, false)
		r.balancer.Adjust(g, now)
	}
}

func (r *Receiver) readBond(ctx context.Context) error {
	buf := make([]byte, MTU)
	for {
		n, peer, err := r.bond.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Error(err, "could not read an srtla packet")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case r.events <- event{buf: pkt, peer: peer}:
		case <-ctx.Done():
			return nil
		}
	}
}

// watchGroup starts the reader goroutine for a freshly opened group
// socket. Closing the socket retires the reader; a genuine read error is
// reported as an event so the run loop can tear the group down.
func (r *Receiver) watchGroup(g *Group) {
	conn := g.srtConn
	id := g.id
	ctx := r.ctx
	r.readers.Go(func() error {
		buf := make([]byte, MTU)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				select {
				case r.events <- event{groupID: id, fromServer: true, err: err}:
				case <-ctx.Done():
				}
				return nil
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			select {
			case r.events <- event{groupID: id, fromServer: true, buf: pkt}:
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// shutdown releases every group and the bond socket, unblocking all
// reader goroutines.
func (r *Receiver) shutdown() {
	for _, g := range r.registry.Groups() {
		g.close()
	}
	r.registry.groups = nil
	if err := r.bond.Close(); err != nil {
		r.log.Error(err, "could not close the bond socket")
	}
}
