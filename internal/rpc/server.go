package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/pubsub"
)

// maxLineSize bounds one request line. Checkpoint saves carry whole files.
const maxLineSize = 64 * 1024 * 1024

// Handler serves one method. A nil result is sent as null.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches requests to registered handlers.
type Server struct {
	handlers map[string]Handler
	// async names methods served off the read loop.
	async map[string]bool

	mu     sync.Mutex
	writer io.Writer

	wg sync.WaitGroup
}

// NewServer creates a server with no methods.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler), async: make(map[string]bool)}
}

// Register adds or replaces the handler for method. Requests for it are
// handled one at a time in input order.
func (s *Server) Register(method string, h Handler) {
	s.handlers[method] = h
	delete(s.async, method)
}

// RegisterAsync is Register for long-running methods: each request runs in
// its own goroutine so the read loop keeps going, and its response may
// overtake earlier ones.
func (s *Server) RegisterAsync(method string, h Handler) {
	s.handlers[method] = h
	s.async[method] = true
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

// Serve reads requests from r until EOF or ctx is cancelled, writing
// responses and notifications from every notes channel to w. Requests are
// handled in input order except for async methods; Serve waits for
// in-flight requests before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer, notes ...<-chan pubsub.Event[events.Notification]) error {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()

	fwdCtx, stopForward := context.WithCancel(ctx)
	var fwd sync.WaitGroup
	for _, ch := range notes {
		if ch == nil {
			continue
		}
		fwd.Add(1)
		go func() {
			defer fwd.Done()
			s.forward(fwdCtx, ch)
		}()
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-readErr:
			break loop
		case line := <-lines:
			s.dispatch(ctx, line)
		}
	}

	s.wg.Wait()
	stopForward()
	fwd.Wait()
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		log.Warn(log.CatRPC, "unparseable request", "error", err)
		s.send(NewError(nil, fmt.Errorf("parse error: %w", err)))
		return
	}

	if !s.async[req.Method] {
		s.send(s.Handle(ctx, &req))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(s.Handle(ctx, &req))
	}()
}

// Handle runs one request and returns its response.
func (s *Server) Handle(ctx context.Context, req *Request) (resp *Response) {
	callID := uuid.NewString()
	log.Debug(log.CatRPC, "request", "method", req.Method, "call", callID)

	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatRPC, "handler panicked", "method", req.Method, "call", callID, "panic", r)
			resp = NewError(req.ID, fmt.Errorf("internal error in %s", req.Method))
		}
	}()

	h, ok := s.handlers[req.Method]
	if !ok {
		return NewError(req.ID, ErrMethodNotFound(req.Method))
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		var ipe *InvalidParamsError
		if !errors.As(err, &ipe) {
			log.Debug(log.CatRPC, "request failed", "method", req.Method, "call", callID, "error", err)
		}
		return NewError(req.ID, err)
	}
	resp, err = NewResult(req.ID, result)
	if err != nil {
		log.ErrorErr(log.CatRPC, "response encoding failed", err, "method", req.Method)
		return NewError(req.ID, err)
	}
	return resp
}

func (s *Server) forward(ctx context.Context, notes <-chan pubsub.Event[events.Notification]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-notes:
			if !ok {
				return
			}
			s.write(Event{Event: ev.Topic, Payload: ev.Payload})
		}
	}
}

func (s *Server) send(resp *Response) { s.write(resp) }

func (s *Server) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.ErrorErr(log.CatRPC, "marshal failed", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatRPC, "write failed", "error", err)
	}
}

// decode unmarshals params into P. Missing params decode as the zero value.
func decode[P any](params json.RawMessage) (P, error) {
	var p P
	if len(params) == 0 || string(params) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, &InvalidParamsError{Err: err}
	}
	return p, nil
}

// bind adapts a typed function to a Handler.
func bind[P any](fn func(ctx context.Context, p P) (any, error)) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[P](params)
		if err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
}
