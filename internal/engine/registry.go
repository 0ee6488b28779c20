package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionClosed is returned for turns routed to a session that has been
// shut down.
var ErrSessionClosed = errors.New("braid session closed")

// EngineFactory builds an engine (and its store) for a braid id.
type EngineFactory func(ctx context.Context, braidID string) (*Engine, error)

type turnRequest struct {
	ctx     context.Context
	message string
	reply   chan turnReply
}

type turnReply struct {
	result *TurnResult
	err    error
}

// session is the single owner of one braid: a mailbox goroutine consumes
// turn requests sequentially, so two concurrent turns for the same braid can
// never interleave store mutations mid-turn. Background workers still run as
// independent tasks against the shared store, as designed.
type session struct {
	engine  *Engine
	mailbox chan turnRequest
	workers *WorkerGroup
	quit    chan struct{}
	done    chan struct{}
}

// run owns the mailbox. Shutdown is signalled through quit rather than by
// closing the mailbox: senders hold a reference to it, and closing a channel
// senders may be blocked on panics them. A turn already handed over when quit
// closes still completes.
func (s *session) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.mailbox:
			result, err := s.engine.HandleUserMessage(req.ctx, req.message)
			req.reply <- turnReply{result: result, err: err}
		case <-s.quit:
			return
		}
	}
}

// Registry routes every request for a braid id through that braid's single
// owning session, creating it on first use.
type Registry struct {
	factory          EngineFactory
	workersEnabled   bool
	replayInterval   time.Duration
	selfTuneInterval time.Duration
	logger           *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewRegistry(factory EngineFactory, workersEnabled bool, replayInterval, selfTuneInterval time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		factory:          factory,
		workersEnabled:   workersEnabled,
		replayInterval:   replayInterval,
		selfTuneInterval: selfTuneInterval,
		logger:           logger,
		sessions:         make(map[string]*session),
	}
}

// HandleUserMessage routes one turn to the braid's session, blocking until
// the turn completes or ctx is done.
func (r *Registry) HandleUserMessage(ctx context.Context, braidID, message string) (*TurnResult, error) {
	s, err := r.getOrCreate(ctx, braidID)
	if err != nil {
		return nil, err
	}

	req := turnRequest{ctx: ctx, message: message, reply: make(chan turnReply, 1)}
	select {
	case s.mailbox <- req:
	case <-s.quit:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastTrace returns the last committed trace for a braid, or nil when the
// braid has no session or no completed turn yet.
func (r *Registry) LastTrace(braidID string) *TurnTrace {
	r.mu.Lock()
	s := r.sessions[braidID]
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.engine.LastTrace()
}

func (r *Registry) getOrCreate(ctx context.Context, braidID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := r.sessions[braidID]; ok {
		return s, nil
	}

	eng, err := r.factory(ctx, braidID)
	if err != nil {
		return nil, fmt.Errorf("build engine for braid %q: %w", braidID, err)
	}

	s := &session{
		engine:  eng,
		mailbox: make(chan turnRequest),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()

	if r.workersEnabled {
		s.workers = NewWorkerGroup(eng, r.replayInterval, r.selfTuneInterval, r.logger)
		s.workers.Start(context.Background())
	}

	r.sessions[braidID] = s
	r.logger.Info("braid session created", zap.String("braid_id", braidID))
	return s, nil
}

// Close shuts down one braid's session: the in-flight turn (if any) finishes,
// queued callers get ErrSessionClosed, and the background workers cancel as a
// unit. Returns false when no session existed.
func (r *Registry) Close(braidID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[braidID]
	delete(r.sessions, braidID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.shutdown(s, braidID)
	return true
}

// CloseAll shuts down every session; new turns are rejected afterwards.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for braidID, s := range sessions {
		r.shutdown(s, braidID)
	}
}

func (r *Registry) shutdown(s *session, braidID string) {
	close(s.quit)
	<-s.done
	if s.workers != nil {
		s.workers.Stop()
	}
	r.logger.Info("braid session closed", zap.String("braid_id", braidID))
}
