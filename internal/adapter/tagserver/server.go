// Package tagserver exposes the register store over the Redis protocol so
// that any RESP client can read, write and watch registers.
package tagserver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/metrics"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/rs/zerolog"
	"github.com/tidwall/redcon"
)

// DefaultPublishBuffer is the number of register changes queued for
// subscribers before changes are dropped.
const DefaultPublishBuffer = 1024

// Store is the register store the server serves.
type Store interface {
	Read(a registry.Address) (domain.Value, error)
	Write(a registry.Address, v domain.Value) error
	WriteBulk(items []registry.Item) error
	Subscribe(addrs []registry.Address, fn registry.Handler) (string, error)
	Unsubscribe(id string) error
}

// Config holds tag server settings.
type Config struct {
	Addr          string
	PublishBuffer int
}

type commandFunc func(conn redcon.Conn, args [][]byte) error

// Server is a RESP server over the register store. Register changes are
// published on a channel named by the register address.
type Server struct {
	config   Config
	store    Store
	logger   zerolog.Logger
	metrics  *metrics.Registry
	commands map[string]commandFunc

	ps      redcon.PubSub
	updates chan domain.DataPoint
	clients atomic.Int64

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
	subID    string
	done     chan struct{}
	wg       sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewServer creates a tag server. metricsReg may be nil.
func NewServer(config Config, store Store, logger zerolog.Logger, metricsReg *metrics.Registry) *Server {
	if config.PublishBuffer <= 0 {
		config.PublishBuffer = DefaultPublishBuffer
	}
	s := &Server{
		config:  config,
		store:   store,
		logger:  logger.With().Str("component", "tagserver").Logger(),
		metrics: metricsReg,
	}
	s.commands = map[string]commandFunc{
		"PING":       s.cmdPing,
		"ECHO":       s.cmdEcho,
		"GET":        s.cmdGet,
		"SET":        s.cmdSet,
		"MGET":       s.cmdMGet,
		"MSET":       s.cmdMSet,
		"SUBSCRIBE":  s.cmdSubscribe,
		"PSUBSCRIBE": s.cmdPSubscribe,
		"INFO":       s.cmdInfo,
	}
	return s
}

// Start begins listening and mirroring register changes to subscribers.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return domain.ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	id, err := s.store.Subscribe(nil, s.onDataPoint)
	if err != nil {
		ln.Close()
		return err
	}

	srv := redcon.NewServer(s.config.Addr, s.handleCommand, s.handleAccept, s.handleClose)
	s.server = srv
	s.listener = ln
	s.subID = id
	s.updates = make(chan domain.DataPoint, s.config.PublishBuffer)
	s.done = make(chan struct{})

	s.wg.Add(2)
	go s.publishLoop(s.updates, s.done)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil {
			s.logger.Debug().Err(err).Msg("Tag server stopped serving")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Tag server started")
	return nil
}

// Stop closes the listener and ends the register subscription.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	if srv == nil {
		s.mu.Unlock()
		return nil
	}
	if err := s.store.Unsubscribe(s.subID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to unsubscribe from registers")
	}
	close(s.done)
	ln := s.listener
	s.server = nil
	s.subID = ""
	s.mu.Unlock()

	// Serve may not have taken the listener yet, in which case Close fails
	// and only closing the listener ends it.
	if err := srv.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Tag server close")
	}
	ln.Close()
	s.wg.Wait()
	s.logger.Info().Msg("Tag server stopped")
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Clients returns the number of connected command clients. A client that
// subscribes is handed over to the pub/sub loop and no longer counted.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// Counters returns how many register changes were published and dropped.
func (s *Server) Counters() (published, dropped uint64) {
	return s.published.Load(), s.dropped.Load()
}

// onDataPoint runs on the writer's goroutine and must not block.
func (s *Server) onDataPoint(dp domain.DataPoint) {
	s.mu.RLock()
	updates, done := s.updates, s.done
	s.mu.RUnlock()

	select {
	case <-done:
	case updates <- dp:
	default:
		s.dropped.Add(1)
	}
}

func (s *Server) publishLoop(updates <-chan domain.DataPoint, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case dp := <-updates:
			s.ps.Publish(dp.Address, dp.Value.String())
			s.published.Add(1)
		}
	}
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	n := s.clients.Add(1)
	if s.metrics != nil {
		s.metrics.SetTagClients(int(n))
	}
	s.logger.Debug().Str("client", conn.RemoteAddr()).Msg("Client connected")
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	n := s.clients.Add(-1)
	if s.metrics != nil {
		s.metrics.SetTagClients(int(n))
	}
	s.logger.Debug().Str("client", conn.RemoteAddr()).Msg("Client disconnected")
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	name := strings.ToUpper(string(cmd.Args[0]))
	if name == "QUIT" {
		conn.WriteString("OK")
		conn.Close()
		return
	}
	fn, ok := s.commands[name]
	if !ok {
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
		return
	}

	err := fn(conn, cmd.Args[1:])
	if err != nil {
		conn.WriteError(replyError(err))
	}
	if s.metrics != nil {
		s.metrics.RecordTagCommand(name, err == nil)
	}
}

var errWrongArgs = errors.New("wrong number of arguments")

// replyError maps an error to a RESP error line.
func replyError(err error) string {
	switch {
	case errors.Is(err, errWrongArgs):
		return "ERR " + err.Error()
	case errors.Is(err, domain.ErrInvalidOperation):
		return "READONLY " + err.Error()
	case errors.Is(err, domain.ErrInvalidAddress):
		return "ERR invalid address: " + err.Error()
	case errors.Is(err, domain.ErrDataTypeMismatch):
		return "WRONGTYPE " + err.Error()
	}
	return "ERR " + err.Error()
}
