package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vm0core/runtime/pkg/errs"
	"github.com/vm0core/runtime/pkg/execctx"
	"github.com/vm0core/runtime/pkg/logging"
	"github.com/vm0core/runtime/pkg/registry"
	"github.com/vm0core/runtime/pkg/secrets"
)

// Config configures one Server instance: one process-wide proxy serves
// every VM on the host, distinguishing them by source IP via the registry
// (spec §4.6).
type Config struct {
	ListenAddr string
	CACertPath string
	CAKeyPath  string
}

// RecordSink receives each NetworkLogRecord the proxy emits; the runtime
// wires this to the Prometheus counters and to an immediate one-record
// telemetry/network upload through the platform client (spec §6.1).
type RecordSink func(context.Context, NetworkLogRecord)

// Server is the egress proxy every VM's HTTP/HTTPS traffic is redirected
// to by the host iptables rules pkg/network installs per VM.
type Server struct {
	listenAddr string
	ca         *ca
	registry   *registry.Registry
	sealer     *secrets.Sealer
	log        logging.Logger
	onRecord   RecordSink

	listener net.Listener
}

// NewServer builds a Server. sealer may be nil if no run ever enables
// secret sealing; onRecord may be nil to discard log records (e.g. tests).
func NewServer(cfg Config, reg *registry.Registry, sealer *secrets.Sealer, onRecord RecordSink, log logging.Logger) (*Server, error) {
	c, err := loadOrCreateCA(cfg.CACertPath, cfg.CAKeyPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		listenAddr: cfg.ListenAddr,
		ca:         c,
		registry:   reg,
		sealer:     sealer,
		log:        log,
		onRecord:   onRecord,
	}, nil
}

// ListenAndServe blocks accepting connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", errs.ErrConfig, s.listenAddr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn(ctx, "accept failed", logging.Fields{"error": err.Error()})
				continue
			}
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		go s.handleConn(ctx, tcpConn)
	}
}

// handleConn recovers the pre-redirect destination, identifies the
// originating VM by source IP, evaluates the firewall, and dispatches to
// the plain-HTTP or TLS path (spec §4.6 steps 1-5). Policy decisions emit
// a NetworkLogRecord; in MITM mode one record is emitted per relayed
// request, not per connection. A connection emits no record when its
// original destination cannot be recovered, its plain-HTTP request cannot
// be read, or the MITM handshake or the MITM or plain-HTTP upstream dial
// fails.
func (s *Server) handleConn(ctx context.Context, conn *net.TCPConn) {
	defer conn.Close()
	start := time.Now()

	dst, err := originalDestination(conn)
	if err != nil {
		s.log.Warn(ctx, "recover original destination failed", logging.Fields{"error": err.Error()})
		return
	}

	srcHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	entry, ok := s.registry.Lookup(srcHost)
	if !ok {
		s.emit(ctx, NetworkLogRecord{Mode: ModePlainHTTP, Action: ActionDeny, Host: dst.IP.String(), Port: dst.Port, Timestamp: start})
		return
	}

	br := bufio.NewReader(conn)
	switch dst.Port {
	case 443:
		s.handleTLS(ctx, conn, br, entry, dst, start)
	default:
		s.handlePlainHTTP(ctx, conn, br, entry, dst, start)
	}
}

func (s *Server) handleTLS(ctx context.Context, conn net.Conn, br *bufio.Reader, entry registry.Entry, dst *net.TCPAddr, start time.Time) {
	host, err := peekServerName(br)
	if err != nil {
		s.log.Debug(ctx, "sni parse failed, falling back to dest ip", logging.Fields{"error": err.Error()})
	}
	if host == "" {
		host = dst.IP.String()
	}

	action := Evaluate(entry.Firewall, host, dst.IP, 443)
	if action == execctx.ActionDeny {
		s.emit(ctx, NetworkLogRecord{RunID: entry.RunID, Mode: ModeSNIPassthrough, Action: ActionDeny, Host: host, Port: 443, Timestamp: start})
		return
	}

	if entry.Firewall != nil && entry.Firewall.MITMEnabled {
		s.mitmTLS(ctx, conn, br, entry, host, dst, start)
		return
	}

	s.passthrough(ctx, conn, br, entry, host, dst, start)
}

// passthrough blindly forwards bytes after the policy decision, unable to
// inspect or rewrite anything inside the encrypted stream (spec §4.6:
// "otherwise operate in SNI-only mode and blindly forward the byte
// stream").
func (s *Server) passthrough(ctx context.Context, conn net.Conn, br *bufio.Reader, entry registry.Entry, host string, dst *net.TCPAddr, start time.Time) {
	upstream, err := net.DialTimeout("tcp", dst.String(), 10*time.Second)
	if err != nil {
		s.log.Warn(ctx, "dial upstream failed", logging.Fields{"host": host, "error": err.Error()})
		s.emit(ctx, NetworkLogRecord{RunID: entry.RunID, Mode: ModeSNIPassthrough, Action: ActionDeny, Host: host, Port: dst.Port, Timestamp: start})
		return
	}
	defer upstream.Close()

	bytesIn, bytesOut := proxyBytes(br, conn, upstream)
	s.emit(ctx, NetworkLogRecord{
		RunID: entry.RunID, Mode: ModeSNIPassthrough, Action: ActionAllow,
		Host: host, Port: dst.Port, BytesIn: bytesIn, BytesOut: bytesOut,
		LatencyMs: time.Since(start).Milliseconds(), Timestamp: start,
	})
}

// mitmTLS terminates TLS with a leaf certificate signed by the pre-
// installed CA, decodes the HTTP request(s) inside, rewrites sealed-
// secret tokens in headers, forwards to the real upstream over its own
// TLS connection, and relays the response back (spec §4.6 step 4).
func (s *Server) mitmTLS(ctx context.Context, conn net.Conn, br *bufio.Reader, entry registry.Entry, host string, dst *net.TCPAddr, start time.Time) {
	leaf, err := s.ca.leafFor(host)
	if err != nil {
		s.log.Warn(ctx, "mint leaf cert failed", logging.Fields{"host": host, "error": err.Error()})
		return
	}

	clientConn := tls.Server(&peekedConn{Conn: conn, r: br}, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	defer clientConn.Close()

	if err := clientConn.HandshakeContext(ctx); err != nil {
		s.log.Debug(ctx, "mitm handshake failed", logging.Fields{"host": host, "error": err.Error()})
		return
	}

	upstreamConn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", dst.String(), &tls.Config{ServerName: host})
	if err != nil {
		s.log.Warn(ctx, "dial upstream tls failed", logging.Fields{"host": host, "error": err.Error()})
		return
	}
	defer upstreamConn.Close()

	clientReader := bufio.NewReader(clientConn)
	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			return // connection closed or malformed, nothing more to relay
		}
		req.URL.Scheme = "https"
		req.URL.Host = host

		s.rewriteSealedHeaders(ctx, entry, req.Header)

		reqStart := time.Now()
		if err := req.Write(upstreamConn); err != nil {
			s.log.Warn(ctx, "write upstream request failed", logging.Fields{"error": err.Error()})
			return
		}

		upstreamReader := bufio.NewReader(upstreamConn)
		resp, err := http.ReadResponse(upstreamReader, req)
		if err != nil {
			s.log.Warn(ctx, "read upstream response failed", logging.Fields{"error": err.Error()})
			return
		}

		if err := resp.Write(clientConn); err != nil {
			return
		}
		resp.Body.Close()

		s.emit(ctx, NetworkLogRecord{
			RunID: entry.RunID, Mode: ModeMITM, Action: ActionAllow,
			Host: host, Port: dst.Port, Method: req.Method, URL: req.URL.String(),
			Status: resp.StatusCode, LatencyMs: time.Since(reqStart).Milliseconds(),
			Timestamp: reqStart,
		})

		if req.Close || resp.Close {
			return
		}
	}
}

// handlePlainHTTP parses a cleartext HTTP/1.x request directly (no TLS
// involved on port 80) so sealed-secret rewriting applies even without
// MITM, forwarding it upstream and relaying the response. Only the first
// request on the connection is served; the connection is closed after its
// response, so keep-alive follow-up requests are not forwarded.
func (s *Server) handlePlainHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, entry registry.Entry, dst *net.TCPAddr, start time.Time) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = dst.IP.String()
	}

	action := Evaluate(entry.Firewall, host, dst.IP, 80)
	if action == execctx.ActionDeny {
		s.emit(ctx, NetworkLogRecord{RunID: entry.RunID, Mode: ModePlainHTTP, Action: ActionDeny, Host: host, Port: 80, Method: req.Method, Timestamp: start})
		return
	}

	s.rewriteSealedHeaders(ctx, entry, req.Header)

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, "80"), 10*time.Second)
	if err != nil {
		s.log.Warn(ctx, "dial upstream failed", logging.Fields{"host": host, "error": err.Error()})
		return
	}
	defer upstream.Close()

	if err := req.Write(upstream); err != nil {
		return
	}
	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	_ = resp.Write(conn)

	s.emit(ctx, NetworkLogRecord{
		RunID: entry.RunID, Mode: ModePlainHTTP, Action: ActionAllow,
		Host: host, Port: 80, Method: req.Method, URL: req.URL.String(),
		Status: resp.StatusCode, LatencyMs: time.Since(start).Milliseconds(), Timestamp: start,
	})
}

// rewriteSealedHeaders replaces every vm0_enc_* token found in header
// values with the secret it resolves to, denying (leaving the token intact
// and letting upstream reject it) only the individual header on decrypt
// failure rather than the whole connection (spec §4.6 step 4).
func (s *Server) rewriteSealedHeaders(ctx context.Context, entry registry.Entry, header http.Header) {
	if s.sealer == nil || entry.Firewall == nil || !entry.Firewall.SealSecretsEnabled {
		return
	}
	for key, values := range header {
		for i, v := range values {
			if !strings.Contains(v, secrets.TokenPrefix) {
				continue
			}
			rewritten, err := secrets.ReplaceTokens(v, func(tok string) (string, error) {
				return s.sealer.Unseal(tok, entry.RunID)
			})
			if err != nil {
				s.log.Warn(ctx, "unseal token failed", logging.Fields{"header": key, "error": err.Error()})
				continue
			}
			header[key][i] = rewritten
		}
	}
}

func (s *Server) emit(ctx context.Context, rec NetworkLogRecord) {
	if s.onRecord != nil {
		s.onRecord(ctx, rec)
	}
}

// proxyBytes relays bytes bidirectionally until either side closes,
// returning the bytes read from and written to the client respectively.
func proxyBytes(clientReader io.Reader, clientWriter io.Writer, upstream net.Conn) (bytesIn, bytesOut int64) {
	done := make(chan int64, 2)
	go func() {
		n, _ := io.Copy(upstream, clientReader)
		if tcp, ok := upstream.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		done <- n
	}()
	n, _ := io.Copy(clientWriter, upstream)
	bytesOut = n
	bytesIn = <-done
	return bytesIn, bytesOut
}

// peekedConn layers a bufio.Reader (which may already hold bytes peeked
// off the raw connection, e.g. by peekServerName) back over a net.Conn, so
// crypto/tls can read a ClientHello that was partially buffered already.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
