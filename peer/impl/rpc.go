package impl

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/dhtworks/kademlia/transport"
	"github.com/dhtworks/kademlia/types"
)

/* ========== rpcLayer ========== */

// Handler serves one inbound request and returns the response payload. The
// sender has already been fed into the routing table when it runs.
type Handler func(from types.Contact, payload []byte) ([]byte, error)

type callResult struct {
	reply    types.Envelope
	mismatch bool
	err      error
}

// pendingCall is the rendezvous for one outbound request: the reply or the
// transport-closed error is delivered on done at most once. The timeout is
// observed by the caller's own timer, which then removes the call.
type pendingCall struct {
	expect *types.ID
	done   chan callResult
}

// rpcLayer implements request/response correlation over a datagram socket.
// Outbound calls are keyed by a freshly generated 64-bit token; inbound
// requests are dispatched to per-method handlers.
type rpcLayer struct {
	sock    transport.ClosableSocket
	clk     clock.Clock
	self    types.ID
	timeout time.Duration
	log     zerolog.Logger

	// observe feeds the sender of every received message into the
	// routing table, before any reply is delivered to a waiting caller
	observe func(types.Contact)

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	handlers map[string]Handler
	closed   bool
}

func newRPCLayer(sock transport.ClosableSocket, clk clock.Clock, self types.ID,
	timeout time.Duration, log zerolog.Logger, observe func(types.Contact)) *rpcLayer {

	return &rpcLayer{
		sock:     sock,
		clk:      clk,
		self:     self,
		timeout:  timeout,
		log:      log,
		observe:  observe,
		pending:  make(map[uint64]*pendingCall),
		handlers: make(map[string]Handler),
	}
}

// registerHandler wires the inbound handler for a method name.
func (r *rpcLayer) registerHandler(method string, h Handler) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// newToken draws a random correlation token that is not currently in use.
// Must be called with the lock held.
func (r *rpcLayer) newToken() uint64 {
	for {
		var raw [8]byte
		_, _ = rand.Read(raw[:])
		token := binary.BigEndian.Uint64(raw[:])
		if _, inUse := r.pending[token]; !inUse {
			return token
		}
	}
}

// call sends a request and blocks until the correlated reply, the timeout,
// or the transport closing. A zero timeout means the layer's default. The
// returned bool flags a responder whose identifier differs from expect.
func (r *rpcLayer) call(addr, method string, payload []byte, expect *types.ID,
	timeout time.Duration) (types.Envelope, bool, error) {

	if timeout == 0 {
		timeout = r.timeout
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.Envelope{}, false, transport.ErrClosed
	}
	token := r.newToken()
	pc := &pendingCall{expect: expect, done: make(chan callResult, 1)}
	r.pending[token] = pc
	r.mu.Unlock()

	env := types.Envelope{
		Type:    types.MsgRequest,
		Token:   token,
		Sender:  r.self,
		Method:  method,
		Payload: payload,
	}
	data, err := env.Marshal()
	if err != nil {
		r.abort(token)
		return types.Envelope{}, false, err
	}

	rpcSent.WithLabelValues(method).Inc()
	if err := r.sock.Send(addr, data, timeout); err != nil {
		r.abort(token)
		return types.Envelope{}, false, err
	}

	timer := r.clk.Timer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		if res.err != nil {
			return types.Envelope{}, false, res.err
		}
		if res.reply.Method == types.MethodError {
			msg := "unknown remote error"
			if reply, err := types.UnmarshalErrorReply(res.reply.Payload); err == nil {
				msg = reply.Message
			}
			return types.Envelope{}, res.mismatch, xerrors.Errorf("%s %s: remote error: %s", method, addr, msg)
		}
		return res.reply, res.mismatch, nil

	case <-timer.C:
		r.abort(token)
		rpcTimeouts.WithLabelValues(method).Inc()
		return types.Envelope{}, false, transport.TimeoutErr(timeout)
	}
}

// abort removes a pending call, if it is still pending.
func (r *rpcLayer) abort(token uint64) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

// dispatch decodes one datagram and routes it. Malformed datagrams are
// dropped, never fatal.
func (r *rpcLayer) dispatch(dg transport.Datagram) {
	env, err := types.UnmarshalEnvelope(dg.Payload)
	if err != nil {
		rpcDropped.Inc()
		r.log.Warn().Str("from", dg.From).Msgf("<[rpc.dispatch] drop malformed datagram>: <%s>", err.Error())
		return
	}

	from := types.Contact{ID: env.Sender, Addr: dg.From}

	switch env.Type {
	case types.MsgRequest:
		r.serveRequest(from, env)
	case types.MsgResponse:
		r.deliverResponse(from, env)
	}
}

func (r *rpcLayer) serveRequest(from types.Contact, env types.Envelope) {
	r.observe(from)

	r.mu.Lock()
	h := r.handlers[env.Method]
	r.mu.Unlock()

	if h == nil {
		r.respondError(from.Addr, env.Token, xerrors.Errorf("unknown method %q", env.Method))
		return
	}

	payload, err := h(from, env.Payload)
	if err != nil {
		r.respondError(from.Addr, env.Token, err)
		return
	}
	rpcServed.WithLabelValues(env.Method).Inc()

	r.respond(from.Addr, types.Envelope{
		Type:    types.MsgResponse,
		Token:   env.Token,
		Sender:  r.self,
		Method:  env.Method,
		Payload: payload,
	})
}

func (r *rpcLayer) deliverResponse(from types.Contact, env types.Envelope) {
	r.observe(from)

	r.mu.Lock()
	pc, ok := r.pending[env.Token]
	if ok {
		delete(r.pending, env.Token)
	}
	r.mu.Unlock()

	if !ok {
		// spurious or late reply
		rpcDropped.Inc()
		r.log.Debug().Str("from", from.Addr).Uint64("token", env.Token).
			Msg("[rpc.dispatch] drop uncorrelated response")
		return
	}

	mismatch := pc.expect != nil && !pc.expect.Equals(env.Sender)
	pc.done <- callResult{reply: env, mismatch: mismatch}
}

func (r *rpcLayer) respond(addr string, env types.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		r.log.Error().Msgf("<[rpc.respond] marshal error>: <%s>", err.Error())
		return
	}
	if err := r.sock.Send(addr, data, r.timeout); err != nil {
		r.log.Error().Msgf("<[rpc.respond] send error>: <%s>", err.Error())
	}
}

func (r *rpcLayer) respondError(addr string, token uint64, cause error) {
	payload, _ := types.ErrorReply{Message: cause.Error()}.Marshal()
	r.respond(addr, types.Envelope{
		Type:    types.MsgResponse,
		Token:   token,
		Sender:  r.self,
		Method:  types.MethodError,
		Payload: payload,
	})
}

// close fails every pending call with ErrClosed and refuses new ones.
func (r *rpcLayer) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.pending
	r.pending = make(map[uint64]*pendingCall)
	r.mu.Unlock()

	for _, pc := range pending {
		pc.done <- callResult{err: transport.ErrClosed}
	}
}
