package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/events"
	"github.com/elliottw/autobridge/internal/log"
)

// maxLineBytes caps a single command line. Anything longer is a client
// bug, not a command.
const maxLineBytes = 64 * 1024

// CommandSink receives one call per received command line.
type CommandSink interface {
	HandleCommand(ctx context.Context, port int, token string)
}

// Manager owns one TCP listener per enabled port. Listeners run
// independently: a port that fails to bind does not stop the others, and
// Apply reconciles the running set against a new desired set without
// disturbing ports that stay unchanged.
type Manager struct {
	// baseCtx bounds every listener's lifetime. Listeners outlive the
	// admin request that reconfigured them, so their contexts must not
	// derive from it.
	baseCtx context.Context
	sink    CommandSink
	hub     *events.Hub
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[int]*portListener
}

type portListener struct {
	port   int
	name   string
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

type listenerEvent struct {
	Port   int    `json:"port"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewManager creates a manager. Every listener's context derives from
// ctx, never from the call that applied it; Close releases the ports.
func NewManager(ctx context.Context, sink CommandSink, hub *events.Hub) *Manager {
	return &Manager{
		baseCtx:   ctx,
		sink:      sink,
		hub:       hub,
		logger:    log.WithComponent("tcpserver"),
		listeners: make(map[int]*portListener),
	}
}

// Apply reconciles the running listener set against the desired one.
// Disabled or removed ports are shut down, new enabled ports are bound,
// unchanged ports keep their connections. Bind failures are collected and
// returned together; they never abort the rest of the reconcile.
func (m *Manager) Apply(desired []config.TCPListener) error {
	want := make(map[int]config.TCPListener)
	for _, l := range desired {
		if l.Enabled && l.Port > 0 {
			want[l.Port] = l
		}
	}

	m.mu.Lock()
	var toStop []*portListener
	for port, pl := range m.listeners {
		if _, ok := want[port]; !ok {
			toStop = append(toStop, pl)
			delete(m.listeners, port)
		}
	}

	var toStart []config.TCPListener
	for port, l := range want {
		if _, ok := m.listeners[port]; !ok {
			toStart = append(toStart, l)
		}
	}
	m.mu.Unlock()

	for _, pl := range toStop {
		m.stop(pl)
	}

	var errs []error
	for _, l := range toStart {
		if err := m.start(l); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", l.Port, err))
		}
	}
	return errors.Join(errs...)
}

// Active returns the ports currently listening, sorted.
func (m *Manager) Active() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports := make([]int, 0, len(m.listeners))
	for port := range m.listeners {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Close shuts down every listener and waits for their accept loops to
// drain.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*portListener, 0, len(m.listeners))
	for port, pl := range m.listeners {
		all = append(all, pl)
		delete(m.listeners, port)
	}
	m.mu.Unlock()

	for _, pl := range all {
		m.stop(pl)
	}
}

func (m *Manager) start(l config.TCPListener) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.Port))
	if err != nil {
		m.logger.Error("failed to bind listener", "port", l.Port, "name", l.Name, "error", err)
		m.publish(listenerEvent{Port: l.Port, Name: l.Name, Status: "bind_failed", Error: err.Error()})
		return err
	}

	lctx, cancel := context.WithCancel(m.baseCtx)
	pl := &portListener{
		port:   l.Port,
		name:   l.Name,
		ln:     ln,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.listeners[l.Port] = pl
	m.mu.Unlock()

	m.logger.Info("listener started", "port", l.Port, "name", l.Name)
	m.publish(listenerEvent{Port: l.Port, Name: l.Name, Status: "started"})

	go m.acceptLoop(lctx, pl)
	return nil
}

func (m *Manager) stop(pl *portListener) {
	pl.cancel()
	pl.ln.Close()
	<-pl.done
	m.logger.Info("listener stopped", "port", pl.port, "name", pl.name)
	m.publish(listenerEvent{Port: pl.port, Name: pl.name, Status: "stopped"})
}

func (m *Manager) acceptLoop(ctx context.Context, pl *portListener) {
	defer close(pl.done)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := pl.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", "port", pl.port, "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.serveConn(ctx, pl.port, conn)
		}()
	}
}

// serveConn reads newline-delimited tokens off one connection. Each line
// is one command; the connection stays open for more until the client
// hangs up or the listener stops.
func (m *Manager) serveConn(ctx context.Context, port int, conn net.Conn) {
	defer conn.Close()

	// Unblock the read when the listener is shut down mid-connection.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	m.logger.Debug("connection opened", "port", port, "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}
		m.sink.HandleCommand(ctx, port, token)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		m.logger.Debug("connection read error", "port", port, "remote", remote, "error", err)
	}
	m.logger.Debug("connection closed", "port", port, "remote", remote)
}

func (m *Manager) publish(ev listenerEvent) {
	if m.hub != nil {
		m.hub.Publish(events.TypeTCPListener, ev)
	}
}
