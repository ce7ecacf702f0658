package grpcmesh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

const bufSize = 1 << 20

// newBufconnMesh starts size transports that talk over in-memory listeners.
func newBufconnMesh(t *testing.T, size int) []*Transport {
	t.Helper()

	listeners := make(map[string]*bufconn.Listener, size)
	peers := make([]string, size)
	for r := 0; r < size; r++ {
		name := fmt.Sprintf("rank-%d", r)
		listeners[name] = bufconn.Listen(bufSize)
		peers[r] = "passthrough:///" + name
	}

	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[strings.TrimPrefix(addr, "passthrough:///")]
		if !ok {
			return nil, fmt.Errorf("unknown address %q", addr)
		}
		return lis.DialContext(ctx)
	})

	mesh := make([]*Transport, size)
	for r := 0; r < size; r++ {
		tr, err := New(
			Config{Rank: transport.Rank(r), Peers: peers, ConnectTimeout: 5 * time.Second, ShutdownTimeout: time.Second},
			logger.Noop(),
			noop.NewTracerProvider(),
			WithListener(listeners[fmt.Sprintf("rank-%d", r)]),
			WithDialOptions(dialer),
		)
		require.NoError(t, err)
		mesh[r] = tr
	}

	t.Cleanup(func() {
		for _, tr := range mesh {
			_ = tr.Close()
		}
	})
	return mesh
}

func TestSendRecvAcrossRanks(t *testing.T) {
	t.Parallel()

	mesh := newBufconnMesh(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, mesh[1].Send(ctx, 0, 0, []byte("from-1")))
	require.NoError(t, mesh[2].Send(ctx, 0, 0, []byte("from-2")))
	require.NoError(t, mesh[0].Send(ctx, 2, 1, []byte("reply")))

	got := map[transport.Rank]string{}
	for i := 0; i < 2; i++ {
		msg, err := mesh[0].Recv(ctx, transport.AnySource, 0)
		require.NoError(t, err)
		got[msg.Source] = string(msg.Payload)
	}
	assert.Equal(t, map[transport.Rank]string{1: "from-1", 2: "from-2"}, got)

	msg, err := mesh[2].Recv(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(msg.Payload))
	assert.Equal(t, transport.Tag(1), msg.Tag)
}

func TestPerSenderOrdering(t *testing.T) {
	t.Parallel()

	mesh := newBufconnMesh(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, mesh[1].Send(ctx, 0, 0, []byte(fmt.Sprint(i))))
	}
	for i := 0; i < n; i++ {
		msg, err := mesh[0].Recv(ctx, 1, 0)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprint(i), string(msg.Payload))
	}
}

func TestTagsAreIndependent(t *testing.T) {
	t.Parallel()

	mesh := newBufconnMesh(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, mesh[0].Send(ctx, 1, 0, []byte("request")))
	require.NoError(t, mesh[0].Send(ctx, 1, 1, []byte("response")))

	msg, err := mesh[1].Recv(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "response", string(msg.Payload))

	msg, err = mesh[1].Recv(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "request", string(msg.Payload))
}

func TestSendToSelf(t *testing.T) {
	t.Parallel()

	mesh := newBufconnMesh(t, 1)
	ctx := context.Background()

	require.NoError(t, mesh[0].Send(ctx, 0, 0, []byte("loop")))
	msg, err := mesh[0].Recv(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "loop", string(msg.Payload))
}

func TestCloseFlushesPendingFrames(t *testing.T) {
	t.Parallel()

	mesh := newBufconnMesh(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, mesh[1].Send(ctx, 0, 0, []byte(fmt.Sprint(i))))
	}
	require.NoError(t, mesh[1].Close())

	for i := 0; i < 10; i++ {
		msg, err := mesh[0].Recv(ctx, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(msg.Payload))
	}

	err := mesh[1].Send(ctx, 0, 0, []byte("late"))
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = mesh[1].Recv(ctx, 0, 0)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestSendUnknownRank(t *testing.T) {
	t.Parallel()

	mesh := newBufconnMesh(t, 2)
	err := mesh[0].Send(context.Background(), 5, 0, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownRank)
}

func TestNewRejectsRankOutsidePeers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Rank: 2, Peers: []string{"a", "b"}}, logger.Noop(), noop.NewTracerProvider())
	assert.ErrorIs(t, err, transport.ErrUnknownRank)
}

func TestHealthService(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(bufSize)
	tr, err := New(
		Config{Rank: 0, Peers: []string{"passthrough:///rank-0"}},
		logger.Noop(),
		noop.NewTracerProvider(),
		WithListener(lis),
	)
	require.NoError(t, err)
	defer tr.Close()

	conn, err := grpc.NewClient("passthrough:///rank-0",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestCodecRejectsForeignMessages(t *testing.T) {
	t.Parallel()

	_, err := rawCodec{}.Marshal("not a frame")
	assert.Error(t, err)
	assert.Error(t, rawCodec{}.Unmarshal([]byte{1}, new(string)))

	var f frame
	require.NoError(t, rawCodec{}.Unmarshal([]byte{1, 2, 3}, &f))
	assert.Equal(t, []byte{1, 2, 3}, f.data)
}
