// Package mongoproxy implements the MongoDB-mode per-connection handler:
// passive handshake fingerprint extraction, affinity lookup, and
// byte-transparent forwarding. Grounded on the accept-loop/handleConnection
// shape of the teacher's MongoDB handler, with the Wire Protocol
// handshake parsing replaced by passive byte capture (no command/collection
// extraction or blocking, which are non-goals here) and backend selection
// replaced by the affinity engine + weighted selector.
package mongoproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dbclusterlb/internal/affinity"
	"dbclusterlb/internal/metrics"
	"dbclusterlb/internal/registry"
	"dbclusterlb/internal/selector"
)

const mode = "mongodb"

// handshakePeekBytes bounds how many client-sent bytes are captured for
// ConnectionFingerprint/Hybrid identification before forwarding begins.
const handshakePeekBytes = 4096
const handshakePeekTimeout = 200 * time.Millisecond

// Handler implements the Start/Stop/GetStats lifecycle for the MongoDB
// listening socket.
type Handler struct {
	listenAddr             string
	reg                    *registry.Registry
	affinityEngine         *affinity.Engine
	sel                    *selector.Selector
	sessionAffinityEnabled bool
	backendDialTimeout     time.Duration
	connLimiter            *rate.Limiter
	logger                 *logrus.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	activeConns int64
	totalConns  int64

	mu      sync.Mutex
	running bool
}

// New creates a MongoDB-mode handler.
func New(listenAddr string, reg *registry.Registry, affinityEngine *affinity.Engine, sel *selector.Selector, sessionAffinityEnabled bool, backendDialTimeout time.Duration, maxConnectionsPerSecond float64, logger *logrus.Logger) *Handler {
	limiter := rate.NewLimiter(rate.Limit(maxConnectionsPerSecond), int(maxConnectionsPerSecond)+1)
	return &Handler{
		listenAddr:             listenAddr,
		reg:                    reg,
		affinityEngine:         affinityEngine,
		sel:                    sel,
		sessionAffinityEnabled: sessionAffinityEnabled,
		backendDialTimeout:     backendDialTimeout,
		connLimiter:            limiter,
		logger:                 logger,
	}
}

// Start binds the listening socket and runs the accept loop until ctx is
// cancelled.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("mongoproxy: handler already running")
	}

	ln, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("mongoproxy: failed to listen on %s: %w", h.listenAddr, err)
	}
	h.listener = ln
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true
	h.mu.Unlock()

	h.logger.WithField("listen_addr", h.listenAddr).Info("MongoDB proxy listening")

	go h.acceptConnections()
	return nil
}

// Stop cancels the accept loop and closes the listening socket. In-flight
// connections are allowed to finish their current forwarding but no new
// connection is accepted.
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil
	}
	h.cancel()
	if h.listener != nil {
		h.listener.Close()
	}
	h.running = false
	return nil
}

// GetStats returns a snapshot of handler counters.
func (h *Handler) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"protocol":     mode,
		"active_conns": atomic.LoadInt64(&h.activeConns),
		"total_conns":  atomic.LoadInt64(&h.totalConns),
	}
}

func (h *Handler) acceptConnections() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.ctx.Done():
				return
			default:
				h.logger.WithError(err).Warn("accept failed")
				continue
			}
		}
		if !h.connLimiter.Allow() {
			conn.Close()
			continue
		}
		go h.handleConnection(conn)
	}
}

func (h *Handler) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	atomic.AddInt64(&h.activeConns, 1)
	atomic.AddInt64(&h.totalConns, 1)
	metrics.IncConnection(mode)
	defer func() {
		atomic.AddInt64(&h.activeConns, -1)
		metrics.DecConnection(mode)
	}()

	sourceAddr := clientConn.RemoteAddr().String()
	connData := h.peekHandshakeBytes(clientConn)

	backendID, err := h.selectBackend(sourceAddr, connData)
	if err != nil {
		h.logger.WithError(err).WithField("source_addr", sourceAddr).Warn("no backend available")
		metrics.IncBackendError(mode)
		return
	}

	backend, ok := h.reg.Get(backendID)
	if !ok {
		h.logger.WithField("backend", backendID).Warn("selected backend vanished before dial")
		metrics.IncBackendError(mode)
		return
	}

	backendConn, err := net.DialTimeout("tcp", backend.Address, h.backendDialTimeout)
	if err != nil {
		h.logger.WithError(err).WithField("backend", backend.Address).Warn("failed to connect to MongoDB backend")
		metrics.IncBackendError(mode)
		return
	}
	defer backendConn.Close()

	if len(connData) > 0 {
		if _, err := backendConn.Write(connData); err != nil {
			h.logger.WithError(err).Warn("failed to forward captured handshake bytes")
			return
		}
	}

	h.proxyTraffic(clientConn, backendConn)
}

// peekHandshakeBytes captures up to handshakePeekBytes the client sends
// within handshakePeekTimeout, for use as ConnectionFingerprint/Hybrid
// identification data. It never blocks forwarding indefinitely: on timeout
// it returns whatever (possibly zero) bytes arrived so far, and those bytes
// are still forwarded byte-transparently to the backend afterward.
func (h *Handler) peekHandshakeBytes(conn net.Conn) []byte {
	if !h.needsHandshakeData() {
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(handshakePeekTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, handshakePeekBytes)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return nil
	}
	return buf[:n]
}

func (h *Handler) needsHandshakeData() bool {
	return h.sessionAffinityEnabled
}

func (h *Handler) selectBackend(sourceAddr string, connData []byte) (string, error) {
	candidates := h.reg.HealthySnapshot()

	if !h.sessionAffinityEnabled {
		chosen, err := h.sel.Select(candidates)
		if err != nil {
			return "", err
		}
		return chosen.ID, nil
	}

	ctx := affinity.ClientContext{SourceAddr: sourceAddr, ConnData: connData}
	return h.affinityEngine.GetOrBind(ctx, candidates, h.sel)
}

// proxyTraffic forwards bytes bidirectionally until either side closes or
// errors; this is the standard async TCP proxy primitive the rest of this
// handler builds on.
func (h *Handler) proxyTraffic(clientConn, backendConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(backendConn, clientConn)
		if tc, ok := backendConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(clientConn, backendConn)
		if tc, ok := clientConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	wg.Wait()
}
