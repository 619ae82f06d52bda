// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package peers

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pitchsync/coordinator/internal/log"
)

// Announcement is the wire format of a discovery broadcast: a node
// advertising its own node_id and endpoint on the LAN.
type Announcement struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// Listener receives UDP broadcast/multicast discovery announcements and
// feeds them into a Registry as SourceDiscovery entries.
type Listener struct {
	conn     *net.UDPConn
	registry *Registry
	selfID   string
}

// NewListener binds a UDP listener on addr (e.g. ":9999") for discovery
// announcements, registering peers into reg. Announcements from selfID
// are ignored.
func NewListener(addr string, reg *Registry, selfID string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, registry: reg, selfID: selfID}, nil
}

// Run reads announcements until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	logger := log.WithComponent("peers.discovery")
	go func() {
		<-ctx.Done()
		_ = l.conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("discovery read failed")
			continue
		}
		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.NodeID == "" || ann.NodeID == l.selfID {
			continue
		}
		l.registry.Discover(ann.NodeID, ann.Endpoint)
		logger.Debug().Str("node_id", ann.NodeID).Str("endpoint", ann.Endpoint).Msg("discovered peer")
	}
}

// Announcer periodically broadcasts this node's own Announcement so
// peers can discover it.
type Announcer struct {
	conn     *net.UDPConn
	self     Announcement
	interval time.Duration
}

// NewAnnouncer creates an announcer broadcasting to addr (e.g. a LAN
// broadcast address and the discovery port).
func NewAnnouncer(addr string, self Announcement, interval time.Duration) (*Announcer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	return &Announcer{conn: conn, self: self, interval: interval}, nil
}

// Run broadcasts until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	defer a.conn.Close()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	payload, _ := json.Marshal(a.self)
	for {
		_, _ = a.conn.Write(payload)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
