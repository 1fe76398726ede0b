// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGroup(t *testing.T, fill byte, now time.Time) *Group {
	return newGroup(bytes.Repeat([]byte{fill}, ClientIDLen), now, true, testLog(t))
}

func TestRegistryAddGroupLimit(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()
	for i := 0; i < MaxGroups; i++ {
		require.NoError(t, r.AddGroup(testGroup(t, byte(i), now)))
	}
	err := r.AddGroup(testGroup(t, 0xFF, now))
	assert.ErrorIs(t, err, ErrGroupsFull)
	assert.Len(t, r.Groups(), MaxGroups)
}

func TestRegistryFindByID(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()
	g := testGroup(t, 1, now)
	require.NoError(t, r.AddGroup(g))

	id := g.ID()
	assert.Same(t, g, r.FindByID(id[:]))

	wrong := id
	wrong[GroupIDLen-1] ^= 0xFF
	assert.Nil(t, r.FindByID(wrong[:]))
	assert.Nil(t, r.FindByID(id[:ClientIDLen]))
}

func TestRegistryFindByIDWaitTimesOut(t *testing.T) {
	r := NewRegistry(testLog(t))
	unknown := make([]byte, GroupIDLen)

	start := time.Now()
	assert.Nil(t, r.FindByIDWait(unknown))
	assert.GreaterOrEqual(t, time.Since(start), reg2WaitMax)
}

func TestRegistryFindByAddr(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()

	g1 := testGroup(t, 1, now)
	c1 := newConn(testPeer(6001), now)
	g1.addConn(c1)
	require.NoError(t, r.AddGroup(g1))

	g2 := testGroup(t, 2, now)
	g2.setLastAddr(testPeer(6002))
	require.NoError(t, r.AddGroup(g2))

	group, conn := r.FindByAddr(testPeer(6001))
	assert.Same(t, g1, group)
	assert.Same(t, c1, conn)

	// A peer known only as a group's packet source resolves to the group
	// with no member connection.
	group, conn = r.FindByAddr(testPeer(6002))
	assert.Same(t, g2, group)
	assert.Nil(t, conn)

	group, conn = r.FindByAddr(testPeer(6003))
	assert.Nil(t, group)
	assert.Nil(t, conn)
}

func TestCleanupRateLimited(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()
	r.lastCleanup = now

	g := testGroup(t, 1, now.Add(-time.Hour))
	require.NoError(t, r.AddGroup(g))

	// Inside the cleanup period nothing is touched, stale or not.
	r.Cleanup(now.Add(CleanupPeriod-time.Millisecond), nil)
	assert.Len(t, r.Groups(), 1)

	r.Cleanup(now.Add(CleanupPeriod+time.Millisecond), nil)
	assert.Empty(t, r.Groups())
}

func TestCleanupRemovesTimedOutConns(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()

	g := testGroup(t, 1, now)
	silent := newConn(testPeer(6001), now)
	silent.lastReceived = now.Add(-ConnTimeout - time.Second)
	live := newConn(testPeer(6002), now)
	live.lastReceived = now
	g.addConn(silent)
	g.addConn(live)
	require.NoError(t, r.AddGroup(g))

	r.Cleanup(now, nil)
	require.Len(t, g.Conns(), 1)
	assert.Same(t, live, g.Conns()[0])
	assert.Len(t, r.Groups(), 1)
}

func TestCleanupKeepsYoungEmptyGroup(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()

	young := testGroup(t, 1, now.Add(-GroupTimeout/2))
	old := testGroup(t, 2, now.Add(-GroupTimeout-time.Second))
	require.NoError(t, r.AddGroup(young))
	require.NoError(t, r.AddGroup(old))

	r.Cleanup(now, nil)
	require.Len(t, r.Groups(), 1)
	assert.Same(t, young, r.Groups()[0])
}

func TestCleanupSendsKeepalivesToIdleConns(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()

	g := testGroup(t, 1, now)
	idle := newConn(testPeer(6001), now)
	idle.lastReceived = now.Add(-KeepalivePeriod - time.Second)
	busy := newConn(testPeer(6002), now)
	busy.lastReceived = now
	g.addConn(idle)
	g.addConn(busy)
	require.NoError(t, r.AddGroup(g))

	var poked []*Conn
	r.Cleanup(now, func(_ *Group, c *Conn) { poked = append(poked, c) })
	require.Len(t, poked, 1)
	assert.Same(t, idle, poked[0])
}

func TestCleanupJudgesRecovery(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()

	g := testGroup(t, 1, now)

	// Came back after a timeout and kept sending: recovery completes once
	// the probation window has run out.
	recovered := newConn(testPeer(6001), now)
	recovered.recoveryStart = now.Add(-RecoveryChancePeriod - time.Second)
	recovered.lastReceived = now

	// Went silent again right after the probation opened: recovery fails,
	// and the timeout path removes the connection in the same pass.
	failed := newConn(testPeer(6002), now)
	failed.recoveryStart = now.Add(-RecoveryChancePeriod - time.Second)
	failed.lastReceived = failed.recoveryStart.Add(-time.Second)

	// Probation still pending; left untouched.
	pending := newConn(testPeer(6003), now)
	pending.recoveryStart = now.Add(-RecoveryChancePeriod / 2)
	pending.lastReceived = now

	g.addConn(recovered)
	g.addConn(failed)
	g.addConn(pending)
	require.NoError(t, r.AddGroup(g))

	r.Cleanup(now, nil)

	assert.True(t, recovered.recoveryStart.IsZero())
	assert.True(t, failed.recoveryStart.IsZero())
	assert.False(t, pending.recoveryStart.IsZero())

	require.Len(t, g.Conns(), 2)
	assert.Nil(t, g.findConn(testPeer(6002)))
}

func TestRemoveGroup(t *testing.T) {
	r := NewRegistry(testLog(t))
	now := time.Now()
	g1 := testGroup(t, 1, now)
	g2 := testGroup(t, 2, now)
	require.NoError(t, r.AddGroup(g1))
	require.NoError(t, r.AddGroup(g2))

	r.RemoveGroup(g1)
	require.Len(t, r.Groups(), 1)
	assert.Same(t, g2, r.Groups()[0])

	id := g1.ID()
	assert.Nil(t, r.FindByID(id[:]))
}
