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

package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/relayproxy/core/internal/acceptor"
	"github.com/relayproxy/core/internal/acl"
	"github.com/relayproxy/core/internal/config"
	"github.com/relayproxy/core/internal/httpsvc"
	"github.com/relayproxy/core/internal/metrics"
	"github.com/relayproxy/core/internal/probe"
	"github.com/relayproxy/core/internal/remap"
	"github.com/relayproxy/core/internal/timeout"
	"github.com/relayproxy/core/internal/vhost"
	"github.com/relayproxy/core/internal/workgroup"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// Slot IDs within the process-wide config.Registry. A relayd process
// owns exactly these three scoped configs.
const (
	slotRemapTable = iota
	slotVHostTable
	slotIPAllow
)

// Server holds everything doServe needs across a reload: the
// registry every session handler reads through, and the collaborators
// that don't change shape across a reload (metrics, logger, policy).
type Server struct {
	log              logrus.FieldLogger
	registry         *config.Registry
	metrics          *metrics.Metrics
	promReg          *prometheus.Registry
	aclPolicy        acl.Policy
	acceptInactivity timeout.Setting
	resolver         remap.Resolver
}

// NewServer builds the long-lived collaborators: the config registry,
// a fresh Prometheus registry, and the Metrics collectors bound to it.
func NewServer(log logrus.FieldLogger, ctx *serveContext) *Server {
	promReg := prometheus.NewRegistry()
	return &Server{
		log:              log,
		registry:         config.New(config.DefaultMaxSlots, ctx.configReleaseGrace()),
		metrics:          metrics.NewMetrics(promReg),
		promReg:          promReg,
		aclPolicy:        ctx.aclPolicy(),
		acceptInactivity: ctx.acceptInactivity(),
		resolver:         netResolver{},
	}
}

// readDeadline resolves the configured accept-inactivity timeout to a
// concrete duration, falling back to a sane default when unset.
func (s *Server) readDeadline() time.Duration {
	switch {
	case s.acceptInactivity.IsDisabled():
		return 0
	case s.acceptInactivity.UseDefault():
		return 30 * time.Second
	default:
		return s.acceptInactivity.Duration()
	}
}

// loadInitialConfig parses the three config-governed files named by
// ctx and publishes them into s.registry for the first time.
func (s *Server) loadInitialConfig(ctx *serveContext) error {
	parserCfg := remap.ParserConfig{ACLPolicy: s.aclPolicy, MinRemapRules: ctx.MinRemapRules, Resolver: s.resolver}

	table, err := remap.ParseFile(ctx.RemapConfigPath, parserCfg)
	if err != nil {
		return fmt.Errorf("loading remap config: %w", err)
	}
	if _, err := s.registry.Set(slotRemapTable, table); err != nil {
		return fmt.Errorf("publishing remap table: %w", err)
	}
	s.metrics.SetRemapRulesTotal("all", table.Len())

	vh, err := vhost.Load(ctx.VirtualHostPath, parserCfg)
	if err != nil {
		return fmt.Errorf("loading virtual host table: %w", err)
	}
	if _, err := s.registry.Set(slotVHostTable, vh); err != nil {
		return fmt.Errorf("publishing virtual host table: %w", err)
	}

	ipAllow, err := acl.LoadIPAllowFile(ctx.IPAllowPath)
	if err != nil {
		return fmt.Errorf("loading ip-allow file: %w", err)
	}
	if _, err := s.registry.Set(slotIPAllow, ipAllow); err != nil {
		return fmt.Errorf("publishing ip-allow file: %w", err)
	}

	return nil
}

// reloadRemapTable re-parses the remap config file and, on success,
// republishes it; a failed parse leaves the previously published
// snapshot active.
func (s *Server) reloadRemapTable(ctx *serveContext) {
	parserCfg := remap.ParserConfig{ACLPolicy: s.aclPolicy, MinRemapRules: ctx.MinRemapRules, Resolver: s.resolver}
	table, err := remap.ParseFile(ctx.RemapConfigPath, parserCfg)
	if err != nil {
		s.log.WithError(err).WithField("subsystem", "reload").Error("remap config reload rejected, keeping previous snapshot")
		return
	}
	gen, err := s.registry.Set(slotRemapTable, table)
	if err != nil {
		s.log.WithError(err).WithField("subsystem", "reload").Error("publishing reloaded remap table")
		return
	}
	s.metrics.SetRemapRulesTotal("all", table.Len())
	s.metrics.SetConfigGeneration(slotRemapTable, gen)
	s.log.WithField("subsystem", "reload").WithField("generation", gen).Info("remap config reloaded")
}

// reloadVirtualHostTable mirrors reloadRemapTable for the vhost file.
func (s *Server) reloadVirtualHostTable(ctx *serveContext) {
	parserCfg := remap.ParserConfig{ACLPolicy: s.aclPolicy, MinRemapRules: ctx.MinRemapRules, Resolver: s.resolver}
	vh, err := vhost.Load(ctx.VirtualHostPath, parserCfg)
	if err != nil {
		s.log.WithError(err).WithField("subsystem", "reload").Error("virtual host config reload rejected, keeping previous snapshot")
		return
	}
	gen, err := s.registry.Set(slotVHostTable, vh)
	if err != nil {
		s.log.WithError(err).WithField("subsystem", "reload").Error("publishing reloaded virtual host table")
		return
	}
	s.metrics.SetConfigGeneration(slotVHostTable, gen)
	s.log.WithField("subsystem", "reload").WithField("generation", gen).Info("virtual host config reloaded")
}

// reloadIPAllow mirrors reloadRemapTable for the ip-allow file.
func (s *Server) reloadIPAllow(ctx *serveContext) {
	ipAllow, err := acl.LoadIPAllowFile(ctx.IPAllowPath)
	if err != nil {
		s.log.WithError(err).WithField("subsystem", "reload").Error("ip-allow reload rejected, keeping previous snapshot")
		return
	}
	gen, err := s.registry.Set(slotIPAllow, ipAllow)
	if err != nil {
		s.log.WithError(err).WithField("subsystem", "reload").Error("publishing reloaded ip-allow file")
		return
	}
	s.metrics.SetConfigGeneration(slotIPAllow, gen)
	s.log.WithField("subsystem", "reload").WithField("generation", gen).Info("ip-allow file reloaded")
}

// doServe builds the AcceptorSet and admin service and runs them under
// one workgroup.Group until either returns or the process is signaled.
func (s *Server) doServe(ctx *serveContext) error {
	var cfgs []acceptor.ListenerConfig
	for i, l := range ctx.Listeners {
		trusted, err := l.trustedProxyRanges()
		if err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
		lc := acceptor.ListenerConfig{
			Name:                fmt.Sprintf("listener-%d", i),
			Address:             net.JoinHostPort(l.Address, strconv.Itoa(l.Port)),
			ExpectProxyProtocol: l.ProxyProtocol,
			TrustedProxyRanges:  trusted,
			Handlers: map[probe.Protocol]acceptor.SessionHandler{
				probe.ProtoHTTP:  s.admitHTTP1,
				probe.ProtoHTTP2: s.admitHTTP2,
			},
			Log:     s.log,
			Metrics: s.metrics,
		}
		if l.TLS {
			lc.TLSConfig = &tls.Config{NextProtos: l.ALPN}
		}
		cfgs = append(cfgs, lc)
	}

	set, err := acceptor.NewAcceptorSet(s.log, cfgs...)
	if err != nil {
		return fmt.Errorf("building acceptor set: %w", err)
	}

	admin := &httpsvc.Service{Addr: ctx.Admin.Address, Port: ctx.Admin.Port, FieldLogger: s.log.WithField("context", "admin")}
	admin.Handle("/metrics", metrics.Handler(s.promReg))
	admin.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	admin.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, buildInfoText())
	})

	var g workgroup.Group
	set.Register(&g)
	g.AddContext(admin.Start)

	return g.Run(context.Background())
}

// admitHTTP1 reads one request line plus headers off the raw
// connection, runs the admission decision, and writes back a status
// line. It does not forward the request: the transaction pipeline
// that would do that is out of scope here.
func (s *Server) admitHTTP1(ctx context.Context, conn net.Conn, meta acceptor.Meta) {
	s.metrics.RecordProbeOutcome(metrics.OutcomeHTTP1)
	defer conn.Close()
	if d := s.readDeadline(); d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	}

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	defer req.Body.Close()

	status, body := s.decide(req, meta, conn, uuid.New().String())
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n%s", status, http.StatusText(status), body)
}

// admitHTTP2 hands the connection to an http2.Server so real HTTP/2
// framing (including connections negotiated over h2c, matched by the
// protocol probe's preface detection) reaches the same admission
// decision as the HTTP/1 path.
func (s *Server) admitHTTP2(ctx context.Context, conn net.Conn, meta acceptor.Meta) {
	s.metrics.RecordProbeOutcome(metrics.OutcomeHTTP2)
	defer conn.Close()

	h2s := &http2.Server{}
	h2s.ServeConn(conn, &http2.ServeConnOpts{
		Context: ctx,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status, body := s.decide(r, meta, conn, uuid.New().String())
			w.WriteHeader(status)
			fmt.Fprint(w, body)
		}),
	})
}

// decide looks req up against the active remap/virtual-host tables,
// runs the ACL evaluator, and returns the status and body a caller
// should write back. connID ties the decision to the access log line.
func (s *Server) decide(req *http.Request, meta acceptor.Meta, conn net.Conn, connID string) (int, string) {
	log := s.log.WithField("conn_id", connID)

	remapHandle, err := s.registry.Acquire(slotRemapTable)
	if err != nil || remapHandle == nil {
		return http.StatusServiceUnavailable, "no remap table configured\n"
	}
	defer remapHandle.Release()
	table := remapHandle.Value().(*remap.Table)

	ipAllowHandle, err := s.registry.Acquire(slotIPAllow)
	var ipAllow *acl.IPAllowFile
	if err == nil && ipAllowHandle != nil {
		defer ipAllowHandle.Release()
		ipAllow = ipAllowHandle.Value().(*acl.IPAllowFile)
	}

	host := req.Host
	scheme := remap.SchemeHTTP
	if meta.TLS {
		scheme = remap.SchemeHTTPS
	}

	result, ok := table.Lookup(remap.KindForward, lowerHost(host), req.URL.Path, scheme, 0, -1)
	if !ok {
		log.WithField("host", host).Info("no matching remap rule")
		return http.StatusNotFound, fmt.Sprintf("no matching remap rule for %s\n", host)
	}
	result.Rule.RecordHit()

	peerAddr, _ := addrFromNetAddr(conn.RemoteAddr())
	localAddr, _ := addrFromNetAddr(conn.LocalAddr())

	evaluator := acl.Evaluator{Policy: s.aclPolicy, IPAllow: ipAllow, Recorder: s.metrics}
	aclReq := acl.Request{
		PeerAddr:    peerAddr,
		LocalAddr:   localAddr,
		MethodIdx:   acl.MethodIndex(req.Method),
		MethodToken: req.Method,
	}

	allowed := evaluator.Decide(result.Rule.Filters, aclReq, result.Rule.IPAllowCheckEnabled)

	if !allowed {
		log.WithField("host", host).Info("denied by acl")
		return http.StatusForbidden, "denied by acl\n"
	}

	log.WithField("target", result.ExpandedURL.Host).Info("admitted")
	return http.StatusOK, fmt.Sprintf("admitted: %s %s -> %s\n", req.Method, host, result.ExpandedURL.Host)
}

func lowerHost(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	b := []byte(h)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
