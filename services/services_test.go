package services

import (
	"runtime"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/internal/monitoring"
	"github.com/hostcap/hostcap/platform"
)

func newSim(t *testing.T) *Services {
	t.Helper()
	s := New(Config{ForceSim: true})
	already, err := s.Initialize()
	require.NoError(t, err)
	require.False(t, already)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitializeOnce(t *testing.T) {
	s := New(Config{ForceSim: true})

	already, err := s.Initialize()
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, s.Initialized())

	already, err = s.Initialize()
	require.NoError(t, err)
	assert.True(t, already)

	require.NoError(t, s.Close())
	assert.False(t, s.Initialized())
}

func TestInitializeConcurrent(t *testing.T) {
	s := New(Config{ForceSim: true})
	defer s.Close()

	const callers = 16
	var wg sync.WaitGroup
	firsts := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			already, err := s.Initialize()
			assert.NoError(t, err)
			if !already {
				firsts <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(firsts)

	count := 0
	for range firsts {
		count++
	}
	assert.Equal(t, 1, count, "exactly one caller should perform initialization")
}

func TestAccessorsBeforeInitialize(t *testing.T) {
	s := New(Config{ForceSim: true})

	_, err := s.Memory()
	assert.True(t, platform.IsKind(err, platform.KindInvalidState))
	_, err = s.IPC()
	assert.True(t, platform.IsKind(err, platform.KindInvalidState))
	_, err = s.Network()
	assert.True(t, platform.IsKind(err, platform.KindInvalidState))
	_, err = s.Sync()
	assert.True(t, platform.IsKind(err, platform.KindInvalidState))
	_, err = s.Platform()
	assert.True(t, platform.IsKind(err, platform.KindInvalidState))
}

func TestForceSimPlatform(t *testing.T) {
	s := newSim(t)

	host, err := s.Platform()
	require.NoError(t, err)
	assert.Equal(t, platform.Unknown, host)
}

func TestForceSimRoundTrip(t *testing.T) {
	s := newSim(t)

	mem, err := s.Memory()
	require.NoError(t, err)

	region, err := mem.MapMemory(4096, platform.PrivateMapping, platform.ReadWrite)
	require.NoError(t, err)
	require.Len(t, region.Data, 4096)

	region.Data[0] = 0xAB
	region.Data[4095] = 0xCD
	assert.Equal(t, byte(0xAB), region.Data[0])
	assert.Equal(t, byte(0xCD), region.Data[4095])

	require.NoError(t, mem.UnmapMemory(region.Handle))
	err = mem.UnmapMemory(region.Handle)
	assert.True(t, platform.IsKind(err, platform.KindInvalidValue))
}

func TestCloseThenReinitialize(t *testing.T) {
	s := New(Config{ForceSim: true})

	already, err := s.Initialize()
	require.NoError(t, err)
	require.False(t, already)
	require.NoError(t, s.Close())

	already, err = s.Initialize()
	require.NoError(t, err)
	assert.False(t, already, "close should allow a fresh initialization")
	require.NoError(t, s.Close())
}

func TestCloseBeforeInitialize(t *testing.T) {
	s := New(Config{ForceSim: true})
	assert.NoError(t, s.Close())
}

func TestSameProviderBacksAllSimSlots(t *testing.T) {
	s := newSim(t)

	ipc, err := s.IPC()
	require.NoError(t, err)
	syn, err := s.Sync()
	require.NoError(t, err)

	// Same simulation instance behind both capabilities: a resource
	// created through one is visible through the other.
	_, err = syn.CreateMutex("shared-view")
	require.NoError(t, err)
	ok, err := ipc.ResourceExists("shared-view", platform.ResourceMutex)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInstrumentationRecordsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)
	s := New(Config{ForceSim: true, Metrics: metrics})
	_, err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	mem, err := s.Memory()
	require.NoError(t, err)

	region, err := mem.MapMemory(8192, platform.PrivateMapping, platform.ReadWrite)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations("memory", "map_memory", monitoring.StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OpenHandles("memory")))
	assert.Equal(t, 8192.0, testutil.ToFloat64(metrics.MappedBytes()))

	require.NoError(t, mem.UnmapMemory(region.Handle))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OpenHandles("memory")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.MappedBytes()))
}

func TestInstrumentationRecordsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)
	s := New(Config{ForceSim: true, Metrics: metrics})
	_, err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	mem, err := s.Memory()
	require.NoError(t, err)

	_, err = mem.MapMemory(-1, platform.PrivateMapping, platform.ReadWrite)
	require.Error(t, err)

	got := testutil.ToFloat64(metrics.Operations("memory", "map_memory", platform.KindInvalidValue.String()))
	assert.Equal(t, 1.0, got)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OpenHandles("memory")))
}

func TestInstrumentedAcquireExpiry(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)
	s := New(Config{ForceSim: true, Metrics: metrics})
	_, err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	syn, err := s.Sync()
	require.NoError(t, err)

	h, err := syn.CreateMutex("contended")
	require.NoError(t, err)
	other, err := syn.OpenMutex("contended")
	require.NoError(t, err)

	acquired, err := syn.AcquireMutex(h, platform.NoWait)
	require.NoError(t, err)
	require.True(t, acquired)

	// An expired bounded wait is a successful false and counts as ok.
	acquired, err = syn.AcquireMutex(other, platform.NoWait)
	require.NoError(t, err)
	require.False(t, acquired)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Operations("sync", "acquire_mutex", monitoring.StatusOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.OpenHandles("sync")))
}

func TestDetect(t *testing.T) {
	host := Detect()

	switch runtime.GOOS {
	case "linux":
		assert.Equal(t, platform.Linux, host)
	case "darwin":
		assert.Equal(t, platform.Darwin, host)
	case "windows":
		assert.Equal(t, platform.Windows, host)
	default:
		t.Skipf("no expectation for GOOS %s", runtime.GOOS)
	}
}
