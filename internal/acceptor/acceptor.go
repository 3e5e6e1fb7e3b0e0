// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acceptor builds the listener accept chain: NetAccept, an
// optional TLS/ALPN dispatch, a protocol probe, and a per-protocol
// session handler, wired together as one workgroup-managed server per
// listener, the way cmd/.../serve.go wires its long-running services.
package acceptor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/relayproxy/core/internal/metrics"
	"github.com/relayproxy/core/internal/probe"
	"github.com/sirupsen/logrus"
)

// SessionHandler processes one dispatched connection to completion.
// It owns conn and must close it.
type SessionHandler func(ctx context.Context, conn net.Conn, meta Meta)

// Meta is what the accept chain learned about a connection before
// handing it to a SessionHandler.
type Meta struct {
	Protocol probe.Protocol
	ProxySrc net.Addr
	TLS      bool
}

// ListenerConfig is one configured listener's shape: an address,
// whether PROXY protocol is expected on it, an optional TLS config
// (nil means plaintext), and the handlers keyed by detected protocol.
type ListenerConfig struct {
	Name                string
	Address             string
	ExpectProxyProtocol bool
	// TrustedProxyRanges restricts which peers may send a PROXY
	// protocol preamble on this listener; empty trusts every peer.
	TrustedProxyRanges []netip.Prefix
	TLSConfig          *tls.Config
	Handlers           map[probe.Protocol]SessionHandler
	Log                logrus.FieldLogger
	// Metrics, if set, records protocol-probe outcomes (e.g. a closed
	// connection from an untrusted PROXY protocol source).
	Metrics *metrics.Metrics
}

// Listener owns one net.Listener and its accept loop.
type Listener struct {
	cfg ListenerConfig
	ln  net.Listener
}

// Listen binds cfg.Address. It does not yet accept connections; call
// Serve (normally via AcceptorSet.Register, which adds it to a
// workgroup.Group) to run the accept loop.
func Listen(cfg ListenerConfig) (*Listener, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", cfg.Address, err)
	}
	return &Listener{cfg: cfg, ln: ln}, nil
}

// Addr returns the bound address, useful when Address used port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the accept loop until ctx is canceled or the listener
// errors. It matches the workgroup.Group.AddContext(func(context.Context) error)
// shape so it can be registered directly with a Group.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	log := l.cfg.Log.WithField("listener", l.cfg.Name)
	log.Info("started listener")
	defer log.Info("stopped listener")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.WithError(err).Error("accept failed")
				return err
			}
		}
		go l.dispatch(ctx, conn, log)
	}
}

// dispatch runs one connection through the accept chain. On a
// plaintext listener that is ProtocolProbe -> SessionAccept. On a TLS
// listener the protocol SslNextProtocolAccept negotiates alone picks
// the session handler: the protocol probe, and with it PROXY-protocol
// parsing, does not run on TLS connections, and a TLS connection that
// negotiated no ALPN protocol is handled as HTTP/1.x.
func (l *Listener) dispatch(ctx context.Context, conn net.Conn, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("session handler panicked: %v", r)
		}
	}()

	meta := Meta{}

	if l.cfg.TLSConfig != nil {
		tconn := tls.Server(conn, l.cfg.TLSConfig)
		proto, err := probe.SslNextProtocolAccept(tconn)
		if err != nil {
			log.WithError(err).Debug("tls handshake/ALPN dispatch failed")
			tconn.Close()
			return
		}
		meta.Protocol = proto
		meta.TLS = true
		l.invoke(ctx, tconn, meta, log)
		return
	}

	p := probe.NewProtocolProbe(probe.Options{
		ExpectProxyProtocol: l.cfg.ExpectProxyProtocol,
		TrustedProxyRanges:  l.cfg.TrustedProxyRanges,
	})
	res, err := p.Run(conn)
	if err != nil {
		if errors.Is(err, probe.ErrUntrustedProxySource) {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.RecordProbeOutcome(metrics.OutcomeClosedUntrustedProxy)
			}
			log.WithField("peer", conn.RemoteAddr()).Warn("closed connection from untrusted PROXY protocol source")
		} else {
			log.WithError(err).Debug("protocol probe failed")
		}
		conn.Close()
		return
	}
	meta.Protocol = res.Protocol
	if res.ProxySrc.IsValid() {
		meta.ProxySrc = net.TCPAddrFromAddrPort(res.ProxySrc)
	}
	l.invoke(ctx, res.Conn, meta, log)
}

func (l *Listener) invoke(ctx context.Context, conn net.Conn, meta Meta, log logrus.FieldLogger) {
	h, ok := l.cfg.Handlers[meta.Protocol]
	if !ok {
		log.Warnf("unregistered protocol type %s", meta.Protocol)
		conn.Close()
		return
	}
	h(ctx, conn, meta)
}
