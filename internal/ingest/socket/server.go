// Package socket is a TCP source for the stream graph. Clients write
// length-prefixed JSON frames; each decoded value is delivered into the
// server's node and answered with a Reply frame once the graph is done.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"tributary/internal/logging"
	"tributary/internal/stream"
)

type Config struct {
	Network, Address, UnixSocketPath string
	// MaxConns caps concurrently served connections; extra ones are
	// answered with an error frame and closed.
	MaxConns  int
	TLSConfig *tls.Config
}

type Server struct {
	cfg   Config
	node  *stream.Node
	ln    net.Listener
	addr  atomic.Value
	slots chan struct{}

	closed atomic.Bool
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg Config, node *stream.Node) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 256
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &Server{cfg: cfg, node: node, slots: make(chan struct{}, cfg.MaxConns), conns: map[net.Conn]struct{}{}}
}

// FromTCP builds a source node fed by a server listening on address.
func FromTCP(address string, opts ...stream.Option) *Server {
	return NewServer(Config{Address: address}, stream.New(opts...))
}

func (s *Server) Node() *stream.Node { return s.node }

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Listen binds the listener without serving; Serve accepts on it.
func (s *Server) Listen() error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", s.cfg.Network, addr, err)
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	return nil
}

// Start listens and serves until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() { <-ctx.Done(); _ = s.Close() }()
	log := logging.Component("ingest.socket")
	log.Info().Str("addr", s.Addr()).Str("node", s.node.String()).Msg("tcp source listening")

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		select {
		case s.slots <- struct{}{}:
		default:
			_ = WriteValue(conn, Reply{Error: "too many connections"})
			_ = conn.Close()
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.track(conn, false)
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// serveConn handles frames strictly in arrival order so a client sees its
// values reach the graph in the order it wrote them.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := logging.Component("ingest.socket")
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrFrameTooLarge) {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("closing connection")
			}
			return
		}
		reply := Reply{OK: true}
		v, err := DecodeValue(payload)
		if err == nil {
			_, err = s.node.Deliver(v).Wait(ctx)
		}
		if err != nil {
			log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("frame rejected")
			reply = Reply{Error: err.Error()}
		}
		if err := WriteValue(w, reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// Send writes v to a server at address and waits for its reply. A reply
// with ok=false comes back as an error.
func Send(ctx context.Context, address string, v any) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	return c.Send(v)
}

// Client keeps one connection open for a sequence of sends.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

func Dial(ctx context.Context, address string) (*Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) Send(v any) error {
	if err := WriteValue(c.conn, v); err != nil {
		return err
	}
	frame, err := ReadFrame(c.r)
	if err != nil {
		return err
	}
	var reply Reply
	if err := json.Unmarshal(frame, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if err := reply.Err(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.conn.Close() }
