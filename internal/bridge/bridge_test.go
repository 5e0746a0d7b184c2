package bridge

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/internal/resilience"
	"github.com/hostcap/hostcap/platform"
	"github.com/hostcap/hostcap/services"
)

func startServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()

	svc := services.New(services.Config{ForceSim: true})
	_, err := svc.Initialize()
	require.NoError(t, err)

	srv, err := NewServer(svc, nil, cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.Handle))
	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})
	return ts
}

func dialServer(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c, err := Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newBridgeClient(t *testing.T, cfg Config) *Client {
	return dialServer(t, startServer(t, cfg))
}

func TestWelcomeHandshake(t *testing.T) {
	c := newBridgeClient(t, Config{})

	_, err := uuid.Parse(c.Session())
	assert.NoError(t, err, "session id is a uuid")
	assert.Equal(t, platform.Unknown, c.Platform(), "sim daemon reports the unknown platform")
}

func TestMemoryRoundTrip(t *testing.T) {
	c := newBridgeClient(t, Config{})

	region, err := c.MapMemory(4096, platform.PrivateMapping, platform.ReadWrite)
	require.NoError(t, err)
	require.Equal(t, 4096, region.Size())

	region.Data[0] = 0x42
	require.NoError(t, c.UnmapMemory(region.Handle))

	err = c.UnmapMemory(region.Handle)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestPipeMessageScenario(t *testing.T) {
	c := newBridgeClient(t, Config{})

	server, err := c.CreateNamedPipe("p1", platform.PipeInOut, platform.PipeMessage, 4096)
	require.NoError(t, err)
	client, err := c.ConnectNamedPipe("p1", platform.PipeInOut)
	require.NoError(t, err)
	require.NoError(t, c.WaitForNamedPipeConnection(server, platform.NoWait))

	n, err := c.WriteNamedPipe(server, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 10)
	n, err = c.ReadNamedPipe(client, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[:4])

	require.NoError(t, c.CloseNamedPipe(client))
	require.NoError(t, c.CloseNamedPipe(server))
}

func TestSemaphoreScenario(t *testing.T) {
	c := newBridgeClient(t, Config{})

	sem, err := c.CreateSemaphore("gate", 2, 5)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := c.AcquireSemaphore(sem, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := c.AcquireSemaphore(sem, platform.NoWait)
	require.NoError(t, err, "an exhausted semaphore is not an error")
	assert.False(t, ok)

	prev, err := c.ReleaseSemaphore(sem, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, prev)

	ok, err = c.AcquireSemaphore(sem, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.CloseSemaphore(sem))
}

func TestSharedMemoryLifecycle(t *testing.T) {
	c := newBridgeClient(t, Config{})

	created, err := c.CreateSharedMemory("zone", 64, platform.ReadWrite)
	require.NoError(t, err)
	require.Equal(t, 64, created.Size())

	exists, err := c.ResourceExists("zone", platform.ResourceSharedMemory)
	require.NoError(t, err)
	assert.True(t, exists)

	opened, err := c.OpenSharedMemory("zone", platform.ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, 64, opened.Size())
	assert.NotEqual(t, created.Handle, opened.Handle)

	require.NoError(t, c.CloseSharedMemory(opened.Handle))
	require.NoError(t, c.CloseSharedMemory(created.Handle))

	exists, err = c.ResourceExists("zone", platform.ResourceSharedMemory)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.OpenSharedMemory("zone", platform.ReadWrite)
	assert.Equal(t, platform.KindNotFound, platform.ErrKind(err))
}

func TestSocketLoopback(t *testing.T) {
	c := newBridgeClient(t, Config{})

	listener, err := c.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)
	require.NoError(t, c.BindSocket(listener, netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, c.ListenSocket(listener, 4))
	addr, err := c.LocalEndpoint(listener)
	require.NoError(t, err)

	client, err := c.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)
	require.NoError(t, c.ConnectSocket(client, addr))

	server, peer, err := c.AcceptSocket(listener)
	require.NoError(t, err)
	require.False(t, server.IsZero())
	assert.True(t, peer.IsValid())

	n, err := c.SendSocket(client, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, closed, err := c.ReceiveSocket(server, buf)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, []byte("ping"), buf[:n])

	ready, err := c.Poll(client, platform.PollOut, platform.NoWait)
	require.NoError(t, err)
	assert.Equal(t, platform.PollOut, ready)

	require.NoError(t, c.CloseSocket(client))

	// Drain the orderly close signal on the server end.
	n, closed, err = c.ReceiveSocket(server, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, closed)

	require.NoError(t, c.CloseSocket(server))
	require.NoError(t, c.CloseSocket(listener))
}

func TestNameACL(t *testing.T) {
	c := newBridgeClient(t, Config{Allow: []string{"app-*"}})

	_, err := c.CreateNamedPipe("other", platform.PipeInOut, platform.PipeByte, 64)
	assert.Equal(t, platform.KindAccess, platform.ErrKind(err))

	h, err := c.CreateNamedPipe("app-1", platform.PipeInOut, platform.PipeByte, 64)
	require.NoError(t, err)
	require.NoError(t, c.CloseNamedPipe(h))
}

func TestFileMappingDeniedByDefault(t *testing.T) {
	c := newBridgeClient(t, Config{})

	_, err := c.MapFile("/tmp/anything", 0, 0, platform.ReadOnly)
	assert.Equal(t, platform.KindAccess, platform.ErrKind(err))
}

func TestRateLimitExceeded(t *testing.T) {
	c := newBridgeClient(t, Config{Rate: 1, Burst: 1})

	_, err := c.CreateMutex("")
	require.NoError(t, err, "the burst token covers the first call")

	_, err = c.CreateMutex("")
	assert.Equal(t, platform.KindResource, platform.ErrKind(err))
	assert.Contains(t, err.Error(), "rate limit")
}

func TestHandlesScopedPerSession(t *testing.T) {
	ts := startServer(t, Config{})
	first := dialServer(t, ts)
	second := dialServer(t, ts)

	h, err := first.CreateNamedPipe("scoped", platform.PipeInOut, platform.PipeByte, 64)
	require.NoError(t, err)

	_, err = second.WriteNamedPipe(h, []byte{1})
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err),
		"another session's handle is indistinguishable from a closed one")

	require.NoError(t, first.CloseNamedPipe(h))
}

func TestDisconnectDisposesSessionHandles(t *testing.T) {
	ts := startServer(t, Config{})
	first := dialServer(t, ts)
	second := dialServer(t, ts)

	_, err := first.CreateMutex("owned-lock")
	require.NoError(t, err)

	exists, err := second.ResourceExists("owned-lock", platform.ResourceMutex)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		exists, err := second.ResourceExists("owned-lock", platform.ResourceMutex)
		return err == nil && !exists
	}, 2*time.Second, 10*time.Millisecond, "the dropped session's mutex is released")
}

func TestBreakerFailsFastAfterTransportLoss(t *testing.T) {
	c := newBridgeClient(t, Config{})
	require.NoError(t, c.Close())

	var err error
	for i := 0; i < 5; i++ {
		_, err = c.CreateMutex("")
		require.Equal(t, platform.KindBroken, platform.ErrKind(err))
	}

	_, err = c.CreateMutex("")
	assert.ErrorIs(t, err, resilience.ErrOpen)
	assert.Equal(t, platform.KindBroken, platform.ErrKind(err))
}

func TestUnknownOperationRejected(t *testing.T) {
	c := newBridgeClient(t, Config{})

	_, err := c.call("warp_core_breach", args{})
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

type recordingObserver struct {
	mu      sync.Mutex
	created []string
	removed []string
}

func (r *recordingObserver) ResourceCreated(typ platform.ResourceType, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, typ.String()+"/"+name)
}

func (r *recordingObserver) ResourceRemoved(typ platform.ResourceType, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, typ.String()+"/"+name)
}

func TestObserverSeesNamedLifecycles(t *testing.T) {
	obs := &recordingObserver{}
	c := newBridgeClient(t, Config{Observer: obs})

	m, err := c.CreateMutex("tracked")
	require.NoError(t, err)
	require.NoError(t, c.CloseMutex(m))

	anon, err := c.CreateMutex("")
	require.NoError(t, err)
	require.NoError(t, c.CloseMutex(anon))

	sem, err := c.CreateSemaphore("counted", 1, 2)
	require.NoError(t, err)
	require.NoError(t, c.CloseSemaphore(sem))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"mutex/tracked", "semaphore/counted"}, obs.created,
		"anonymous objects have no name to track")
	assert.Equal(t, []string{"mutex/tracked", "semaphore/counted"}, obs.removed)
}
