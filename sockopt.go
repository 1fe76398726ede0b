// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"net"

	"golang.org/x/sys/unix"
)

// setSocketBuffers forces the kernel buffer sizes on a UDP socket. The
// defaults are far too small for bursty bonded video, so every socket the
// receiver opens gets the configured sizes.
func setSocketBuffers(conn *net.UDPConn, recvSize, sendSize int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvSize); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendSize)
	}); err != nil {
		return err
	}
	return sockErr
}
