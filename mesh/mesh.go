// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package mesh maintains the long-lived connections
// between workers.
//
// Each pair of workers shares at most one TCP connection,
// established at startup and identified by an exchange of
// Identify messages. A connection that breaks is marked
// down and never redialed; the failure surfaces to
// senders as ErrPeerDown and the rest of the system
// decides what to do about the lost worker.
package mesh

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/alekLukanen/ChapterhouseQE/wire"
)

var (
	// ErrPeerDown is returned by Send when the connection
	// to the destination worker has failed.
	ErrPeerDown = errors.New("mesh: peer connection is down")
	// ErrUnknownPeer is returned by Send when no
	// connection to the destination worker was ever
	// established.
	ErrUnknownPeer = errors.New("mesh: unknown peer")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mesh: manager closed")
)

const (
	// outboundDepth is the per-peer write queue depth.
	// Writes beyond it block the sender, which is the
	// backpressure we want on the network path.
	outboundDepth = 128
	// inboundDepth is the shared delivery queue depth.
	inboundDepth = 1024

	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// PeerInfo is what a peer advertised about itself during
// the handshake.
type PeerInfo struct {
	Worker    wire.WorkerID
	Addr      string
	MemoryMiB uint64
	Slots     uint32
	Down      bool
}

type peer struct {
	info PeerInfo
	conn net.Conn
	out  chan *wire.Message

	mu   sync.Mutex
	down bool
	err  error
}

// Manager owns every connection of one worker.
type Manager struct {
	self  wire.WorkerID
	ident wire.Identify

	ln      net.Listener
	logger  *log.Logger
	dialTimeout      time.Duration
	handshakeTimeout time.Duration

	inbound chan *wire.Message

	mu    sync.Mutex
	peers map[wire.WorkerID]*peer
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger is an option that can be passed to New to
// have the manager log diagnostic information. If no
// logger is set, it will not write out any diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithDialTimeout is an option that sets the timeout for
// outbound connection attempts.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.dialTimeout = d
	}
}

// New makes a Manager for the worker named self. The
// ident message is what this worker advertises to every
// peer during the handshake; its Worker field is
// overwritten with self.
func New(self wire.WorkerID, ident wire.Identify, opt ...Option) *Manager {
	ident.Worker = self
	m := &Manager{
		self:             self,
		ident:            ident,
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		inbound:          make(chan *wire.Message, inboundDepth),
		peers:            make(map[wire.WorkerID]*peer),
		done:             make(chan struct{}),
	}
	for _, o := range opt {
		o(m)
	}
	return m
}

// Self returns the worker id this manager was created
// with.
func (m *Manager) Self() wire.WorkerID { return m.self }

// Listen starts accepting inbound peer connections on
// addr and returns the bound address (useful when addr
// has port zero).
func (m *Manager) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	m.ln = ln
	m.wg.Add(1)
	go m.acceptLoop(ln)
	return ln.Addr().String(), nil
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.done:
			default:
				m.errorf("mesh: accept: %s", err)
			}
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.handshakeAccept(conn); err != nil {
				m.errorf("mesh: inbound handshake: %s", err)
				conn.Close()
			}
		}()
	}
}

// Dial connects to the peer at addr, performs the
// Identify exchange, and registers the connection. Dial
// is idempotent per worker: a second call for an already
// connected live peer is a no-op.
func (m *Manager) Dial(worker wire.WorkerID, addr string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if p, ok := m.peers[worker]; ok && !p.isDown() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, m.dialTimeout)
	if err != nil {
		return fmt.Errorf("mesh: dial %s: %w", worker, err)
	}
	conn.SetDeadline(time.Now().Add(m.handshakeTimeout))
	if err := m.sendIdentify(conn); err != nil {
		conn.Close()
		return err
	}
	theirs, err := readIdentify(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mesh: dial %s: %w", worker, err)
	}
	conn.SetDeadline(time.Time{})
	if theirs.Worker != worker {
		conn.Close()
		return fmt.Errorf("mesh: dialed %s but peer identified as %s", worker, theirs.Worker)
	}
	return m.register(conn, addr, theirs, true)
}

// handshakeAccept runs the passive side of the Identify
// exchange: read the peer's Identify, answer with ours,
// then register.
func (m *Manager) handshakeAccept(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(m.handshakeTimeout))
	theirs, err := readIdentify(conn)
	if err != nil {
		return err
	}
	if err := m.sendIdentify(conn); err != nil {
		return err
	}
	conn.SetDeadline(time.Time{})
	return m.register(conn, conn.RemoteAddr().String(), theirs, false)
}

func (m *Manager) sendIdentify(conn net.Conn) error {
	msg := wire.New(&m.ident).WithFromWorker(m.self)
	bw := bufio.NewWriter(conn)
	if err := wire.WriteFrame(bw, msg); err != nil {
		return err
	}
	return bw.Flush()
}

func readIdentify(conn net.Conn) (*wire.Identify, error) {
	msg, err := wire.ReadFrame(bufio.NewReaderSize(conn, 4096))
	if err != nil {
		return nil, err
	}
	id, ok := msg.Body.(*wire.Identify)
	if !ok {
		return nil, fmt.Errorf("mesh: expected identify, got %s", msg.Body.Kind())
	}
	return id, nil
}

func (m *Manager) register(conn net.Conn, addr string, ident *wire.Identify, dialed bool) error {
	p := &peer{
		info: PeerInfo{
			Worker:    ident.Worker,
			Addr:      addr,
			MemoryMiB: uint64(ident.MemoryMiB),
			Slots:     uint32(ident.Slots),
		},
		conn: conn,
		out:  make(chan *wire.Message, outboundDepth),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if old, ok := m.peers[ident.Worker]; ok && !old.isDown() {
		// simultaneous dial in both directions; both sides
		// keep the connection dialed by the lexically lower
		// worker so they agree on which link survives
		keepDialed := m.self < ident.Worker
		if dialed != keepDialed {
			m.mu.Unlock()
			conn.Close()
			return nil
		}
		old.conn.Close()
	}
	m.peers[ident.Worker] = p
	m.mu.Unlock()
	m.wg.Add(2)
	go m.readLoop(p)
	go m.writeLoop(p)
	return nil
}

func (m *Manager) readLoop(p *peer) {
	defer m.wg.Done()
	rd := bufio.NewReaderSize(p.conn, 1<<16)
	for {
		msg, err := wire.ReadFrame(rd)
		if err != nil {
			m.markDown(p, err)
			return
		}
		select {
		case m.inbound <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) writeLoop(p *peer) {
	defer m.wg.Done()
	bw := bufio.NewWriterSize(p.conn, 1<<16)
	for {
		select {
		case msg := <-p.out:
			if err := wire.WriteFrame(bw, msg); err != nil {
				m.markDown(p, err)
				return
			}
			// flush once the queue drains so that small
			// control messages are not left sitting in
			// the buffer
			if len(p.out) == 0 {
				if err := bw.Flush(); err != nil {
					m.markDown(p, err)
					return
				}
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) markDown(p *peer, err error) {
	p.mu.Lock()
	was := p.down
	p.down = true
	p.err = err
	p.mu.Unlock()
	p.conn.Close()
	if !was {
		select {
		case <-m.done:
		default:
			m.errorf("mesh: peer %s down: %s", p.info.Worker, err)
		}
	}
}

func (p *peer) isDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.down
}

// Send queues msg for its destination worker. Messages
// addressed to self are delivered through the same
// inbound channel as remote traffic. Send blocks when
// the peer's write queue is full.
func (m *Manager) Send(msg *wire.Message) error {
	if msg.ToWorker == "" || msg.ToWorker == m.self {
		select {
		case m.inbound <- msg:
			return nil
		case <-m.done:
			return ErrClosed
		}
	}
	m.mu.Lock()
	p, ok := m.peers[msg.ToWorker]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, msg.ToWorker)
	}
	if p.isDown() {
		return fmt.Errorf("%w: %s", ErrPeerDown, msg.ToWorker)
	}
	select {
	case p.out <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Receive is the stream of every message delivered to
// this worker, local and remote alike, in per-sender
// order.
func (m *Manager) Receive() <-chan *wire.Message {
	return m.inbound
}

// Peers snapshots the known peers and their advertised
// capabilities.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		info := p.info
		info.Down = p.isDown()
		out = append(out, info)
	}
	return out
}

// PeerErr returns the error that took the connection to
// worker down, or nil while it is still live.
func (m *Manager) PeerErr(worker wire.WorkerID) error {
	m.mu.Lock()
	p, ok := m.peers[worker]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close tears down the listener and every peer
// connection and waits for the loops to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	close(m.done)
	if m.ln != nil {
		m.ln.Close()
	}
	for _, p := range peers {
		p.conn.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) errorf(msg string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(msg, args...)
	}
}
