// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"context"
	"errors"
	"net"
	"net/netip"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// maxDatagram bounds reads; anything above the largest command is
// malformed and dropped by the decoder.
const maxDatagram = 2048

// Server runs the datagram loop over a storage core. One socket, one
// loop; parallelism comes from worker processes.
type Server struct {
	storage *Storage
}

// NewServer wires the UDP front over storage.
func NewServer(storage *Storage) *Server {
	return &Server{storage: storage}
}

// Serve reads datagrams until ctx is cancelled or the socket closes.
// Malformed packets are dropped silently; send errors are logged and
// the packet is dropped.
func (srv *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			cclog.Errorf("fuzzy: got error while reading from socket: %v", err)
			continue
		}

		peer := peerAddr(addr)
		reply := srv.storage.ProcessDatagram(ctx, buf[:n], peer)
		if reply == nil {
			continue
		}

		if _, err := conn.WriteTo(reply, addr); err != nil {
			cclog.Errorf("fuzzy: error while writing reply: %v", err)
		}
	}
}

func peerAddr(addr net.Addr) netip.Addr {
	if ua, ok := addr.(*net.UDPAddr); ok {
		if a, ok := netip.AddrFromSlice(ua.IP); ok {
			return a.Unmap()
		}
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}
