package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dhtworks/kademlia/transport"
)

// recvQueue bounds the per-socket inbox. A full inbox drops datagrams, like
// a UDP socket buffer would.
const recvQueue = 1024

// NewTransport returns an in-memory transport. Every socket created from the
// same Transport can reach every other one by address; datagrams to unknown
// addresses are silently lost, which is what makes timeout tests work.
func NewTransport() transport.Transport {
	return &Transport{
		sockets: make(map[string]*Socket),
	}
}

// Transport is an in-memory transport implementation.
//
// - implements transport.Transport
type Transport struct {
	mu       sync.RWMutex
	sockets  map[string]*Socket
	nextPort int
}

// CreateSocket implements transport.Transport. A ":0" port gets a fresh
// address assigned, mirroring what the OS does for UDP.
func (t *Transport) CreateSocket(address string) (transport.ClosableSocket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if address == "" || strings.HasSuffix(address, ":0") {
		host := "127.0.0.1"
		if i := strings.LastIndex(address, ":"); i > 0 {
			host = address[:i]
		}
		t.nextPort++
		address = fmt.Sprintf("%s:%d", host, t.nextPort)
	}

	if _, ok := t.sockets[address]; ok {
		return nil, fmt.Errorf("[transport.channel] address already in use: %s", address)
	}

	s := &Socket{
		t:        t,
		addr:     address,
		incoming: make(chan transport.Datagram, recvQueue),
		closed:   make(chan struct{}),
	}
	t.sockets[address] = s
	return s, nil
}

func (t *Transport) lookup(addr string) (*Socket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sockets[addr]
	return s, ok
}

func (t *Transport) release(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, addr)
}

// Socket is an in-memory socket.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	t    *Transport
	addr string

	incoming chan transport.Datagram

	closeOnce sync.Once
	closed    chan struct{}
}

// Close implements transport.ClosableSocket.
func (s *Socket) Close() error {
	err := transport.ErrClosed
	s.closeOnce.Do(func() {
		s.t.release(s.addr)
		close(s.closed)
		err = nil
	})
	return err
}

// Send implements transport.Socket. Datagrams to closed or unknown
// destinations are dropped without error, like UDP.
func (s *Socket) Send(dest string, payload []byte, timeout time.Duration) error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}

	peer, ok := s.t.lookup(dest)
	if !ok {
		return nil
	}

	// copy so the caller can reuse its buffer
	data := make([]byte, len(payload))
	copy(data, payload)

	select {
	case peer.incoming <- transport.Datagram{From: s.addr, Payload: data}:
	default:
		// peer inbox full: drop
	}
	return nil
}

// Recv implements transport.Socket.
func (s *Socket) Recv(timeout time.Duration) (transport.Datagram, error) {
	var expire <-chan time.Time
	if timeout != 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case dg := <-s.incoming:
		return dg, nil
	case <-s.closed:
		return transport.Datagram{}, transport.ErrClosed
	case <-expire:
		return transport.Datagram{}, transport.TimeoutErr(timeout)
	}
}

// GetAddress implements transport.Socket.
func (s *Socket) GetAddress() string {
	return s.addr
}
