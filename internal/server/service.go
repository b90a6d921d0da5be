package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hasganter/markdown-web/internal/ledger"
)

// State is the lifecycle stage of a Service.
type State int32

const (
	StateIdle State = iota
	StateServing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotIdle is returned by Start on a service that already ran.
var ErrNotIdle = errors.New("control plane already started")

// Service runs the control plane on a loopback address until its context is
// cancelled, the shutdown signal file appears or Close is called.
type Service struct {
	addr    string
	handler http.Handler
	signal  *ledger.Signal
	log     *slog.Logger

	state  atomic.Int32
	srv    *http.Server
	ln     net.Listener
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

// NewService prepares a service; signal may be nil.
func NewService(addr string, h http.Handler, signal *ledger.Signal, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		addr:    addr,
		handler: h,
		signal:  signal,
		log:     log.With("component", "control_plane"),
		done:    make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Service) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateServing)) {
		return ErrNotIdle
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.finish()
		return fmt.Errorf("control plane listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("control plane listening", "addr", ln.Addr().String())
	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control plane stopped unexpectedly", "error", err)
		}
		s.finish()
	}()

	var sig <-chan struct{}
	if s.signal != nil {
		sig = s.signal.Watch(wctx, s.log)
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-sig:
			if s.signal.Present() {
				s.log.Info("shutdown signal detected, stopping control plane")
			}
		case <-s.done:
			return
		}
		_ = s.Close()
	}()
	return nil
}

// Addr is the bound address, or the configured one before Start.
func (s *Service) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Service) State() State { return State(s.state.Load()) }

// Done is closed once the service reached StateStopped.
func (s *Service) Done() <-chan struct{} { return s.done }

// Close closes the listener and all connections.
func (s *Service) Close() error {
	if !s.state.CompareAndSwap(int32(StateServing), int32(StateStopping)) {
		return nil
	}
	err := s.srv.Close()
	s.finish()
	return err
}

func (s *Service) finish() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.state.Store(int32(StateStopped))
		close(s.done)
		s.log.Info("control plane stopped")
	})
}
