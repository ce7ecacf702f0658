// Package grpcmesh implements the transport over gRPC. Every rank serves the
// mesh service and keeps one long-lived client stream to each peer it sends
// to, so frames from one sender reach a receiver in the order they were sent.
package grpcmesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

// Config describes this rank's place in the mesh.
type Config struct {
	Rank transport.Rank
	// Peers holds the address of every rank, indexed by rank.
	Peers []string
	// Listen overrides the address this rank serves on. It defaults to
	// Peers[Rank].
	Listen string
	// ConnectTimeout bounds how long a send waits for a peer to come up.
	ConnectTimeout time.Duration
	// ShutdownTimeout bounds how long Close waits for peers to finish their
	// streams before stopping the server.
	ShutdownTimeout time.Duration
}

// Option customizes a Transport.
type Option func(*Transport)

// WithListener serves on lis instead of listening on the configured address.
func WithListener(lis net.Listener) Option {
	return func(t *Transport) { t.lis = lis }
}

// WithDialOptions appends options used when connecting to peers.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(t *Transport) { t.dialOpts = append(t.dialOpts, opts...) }
}

var _ transport.Transport = (*Transport)(nil)

// Transport is one rank's endpoint in a gRPC mesh.
type Transport struct {
	cfg     Config
	mailbox *transport.Mailbox

	lis      net.Listener
	server   *grpc.Server
	health   *health.Server
	serveErr chan error

	dialOpts []grpc.DialOption
	peers    []*peer

	// streamCtx scopes every outgoing stream to the transport's lifetime.
	streamCtx    context.Context
	cancelStream context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	logger *logger.Logger
}

// New starts serving the mesh service for cfg.Rank. Connections to peers are
// established lazily on first send.
func New(cfg Config, logger *logger.Logger, tp trace.TracerProvider, opts ...Option) (*Transport, error) {
	if err := transport.CheckRank(cfg.Rank, len(cfg.Peers)); err != nil {
		return nil, fmt.Errorf("grpc mesh: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	t := &Transport{
		cfg:      cfg,
		mailbox:  transport.NewMailbox(),
		serveErr: make(chan error, 1),
		logger:   logger.With("component", "grpc_mesh", "rank", int(cfg.Rank)),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.lis == nil {
		addr := cfg.Listen
		if addr == "" {
			addr = cfg.Peers[cfg.Rank]
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("grpc mesh: listening on %s: %w", addr, err)
		}
		t.lis = lis
	}

	t.server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithTracerProvider(tp))),
	)
	t.server.RegisterService(&meshServiceDesc, &inbox{size: len(cfg.Peers), mailbox: t.mailbox})

	t.health = health.NewServer()
	t.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(t.server, t.health)

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(otelgrpc.WithTracerProvider(tp))),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	t.dialOpts = append(dialOpts, t.dialOpts...)

	t.streamCtx, t.cancelStream = context.WithCancel(
		metadata.AppendToOutgoingContext(context.Background(), rankHeader, strconv.Itoa(int(cfg.Rank))),
	)

	t.peers = make([]*peer, len(cfg.Peers))
	for r, addr := range cfg.Peers {
		if transport.Rank(r) == cfg.Rank {
			continue
		}
		conn, err := grpc.NewClient(addr, t.dialOpts...)
		if err != nil {
			t.closePeers(context.Background())
			_ = t.lis.Close()
			return nil, fmt.Errorf("grpc mesh: creating client for rank %d at %s: %w", r, addr, err)
		}
		t.peers[r] = &peer{rank: transport.Rank(r), addr: addr, conn: conn}
	}

	go func() {
		t.logger.Info(context.Background(), "startup", "status", "grpc mesh serving", "addr", t.lis.Addr().String())
		t.serveErr <- t.server.Serve(t.lis)
	}()

	return t, nil
}

// Rank returns this endpoint's rank.
func (t *Transport) Rank() transport.Rank { return t.cfg.Rank }

// Size returns the number of ranks in the mesh.
func (t *Transport) Size() int { return len(t.cfg.Peers) }

// Send writes payload to the stream for rank to, opening the stream first if
// needed.
func (t *Transport) Send(ctx context.Context, to transport.Rank, tag transport.Tag, payload []byte) error {
	if err := transport.CheckRank(to, t.Size()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if to == t.cfg.Rank {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		return t.mailbox.Deliver(transport.Message{Source: t.cfg.Rank, Tag: tag, Payload: buf})
	}

	data := make([]byte, 0, len(payload)+1)
	data = append(data, byte(tag))
	data = append(data, payload...)
	return t.peers[to].send(ctx, t, &frame{data: data})
}

// Recv returns the earliest received message matching from and tag.
func (t *Transport) Recv(ctx context.Context, from transport.Rank, tag transport.Tag) (transport.Message, error) {
	return t.mailbox.Take(ctx, from, tag)
}

// Close flushes and closes every outgoing stream, stops the server, and
// closes the mailbox.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownTimeout)
		defer cancel()

		t.health.Shutdown()
		stop := context.AfterFunc(ctx, t.cancelStream)
		t.closePeers(ctx)
		stop()
		t.cancelStream()

		stopped := make(chan struct{})
		go func() {
			t.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			t.logger.Warn(ctx, "graceful stop timed out, forcing server stop")
			t.server.Stop()
			<-stopped
		}

		if err := <-t.serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.closeErr = errors.Join(t.closeErr, fmt.Errorf("grpc mesh: serving: %w", err))
		}
		t.mailbox.Close()
	})
	return t.closeErr
}

// closePeers closes every outgoing stream. A peer that already shut down
// cannot acknowledge, which is normal at the end of a job.
func (t *Transport) closePeers(ctx context.Context) {
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		if err := p.close(); err != nil {
			t.logger.Debug(ctx, "peer stream closed without acknowledgement", "peer_rank", int(p.rank), "error", err)
		}
	}
}

// peer is the sending side of the connection to one rank.
type peer struct {
	rank transport.Rank
	addr string
	conn *grpc.ClientConn

	mu     sync.Mutex
	stream grpc.ClientStream
	closed bool
}

func (p *peer) send(ctx context.Context, t *Transport, f *frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return transport.ErrClosed
	}
	if p.stream == nil {
		if err := p.open(ctx, t); err != nil {
			return err
		}
	}

	if err := p.stream.SendMsg(f); err != nil {
		// A broken stream cannot tell which frames made it; the next send
		// starts a fresh one and the caller decides whether the job survives.
		p.stream = nil
		return fmt.Errorf("grpc mesh: sending to rank %d: %w", p.rank, err)
	}
	return nil
}

// open establishes the Deliver stream, retrying while the peer is not up yet.
func (p *peer) open(ctx context.Context, t *Transport) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = t.cfg.ConnectTimeout

	operation := func() error {
		stream, err := p.conn.NewStream(t.streamCtx, &meshServiceDesc.Streams[0], deliverMethod)
		if err != nil {
			t.logger.Debug(ctx, "peer not reachable yet", "peer_rank", int(p.rank), "addr", p.addr, "error", err)
			return err
		}
		p.stream = stream
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("grpc mesh: connecting to rank %d at %s: %w", p.rank, p.addr, err)
	}
	return nil
}

// close half-closes the stream and waits for the peer's acknowledgement, so
// every frame sent before Close is in the peer's mailbox when it returns.
func (p *peer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.stream != nil {
		if err = p.stream.CloseSend(); err == nil {
			err = p.stream.RecvMsg(&frame{})
		}
		p.stream = nil
	}
	if cerr := p.conn.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("grpc mesh: closing stream to rank %d: %w", p.rank, err)
	}
	return nil
}
