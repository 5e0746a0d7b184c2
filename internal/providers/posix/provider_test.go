//go:build unix

package posix

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/platform"
)

// newProvider builds a provider whose resource namespaces live in a
// per-test directory, so tests cannot see each other's names.
func newProvider(t *testing.T) *Provider {
	t.Helper()

	host := platform.Linux
	if runtime.GOOS == "darwin" {
		host = platform.Darwin
	}
	p, err := New(host, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	p.dir = dir
	p.shmDir = dir
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewRejectsNonPosixHost(t *testing.T) {
	_, err := New(platform.Windows, nil)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	_, err = New(platform.Unknown, nil)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestMobileCapabilityGaps(t *testing.T) {
	android, err := New(platform.Android, nil)
	require.NoError(t, err)
	t.Cleanup(func() { android.Close() })

	_, err = android.CreateNamedPipe("p", platform.PipeIn, platform.PipeByte, 0)
	assert.True(t, platform.IsUnsupported(err))
	_, err = android.ConnectNamedPipe("p", platform.PipeOut)
	assert.True(t, platform.IsUnsupported(err))
	_, err = android.CreateSharedMemory("r", 4096, platform.ReadWrite)
	assert.True(t, platform.IsUnsupported(err))

	// Unsupported namespaces report absence rather than failing.
	exists, err := android.ResourceExists("p", platform.ResourcePipe)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = android.ResourceExists("r", platform.ResourceSharedMemory)
	require.NoError(t, err)
	assert.False(t, exists)

	ios, err := New(platform.IOS, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ios.Close() })
	ios.dir = t.TempDir()
	ios.shmDir = ios.dir

	_, err = ios.CreateNamedPipe("p", platform.PipeIn, platform.PipeByte, 0)
	assert.True(t, platform.IsUnsupported(err))
	region, err := ios.CreateSharedMemory("r", 4096, platform.ReadWrite)
	require.NoError(t, err, "shared memory stays available on ios")
	require.NoError(t, ios.CloseSharedMemory(region.Handle))
}

func TestNameValidation(t *testing.T) {
	p := newProvider(t)

	_, err := p.CreateNamedPipe("", platform.PipeIn, platform.PipeByte, 0)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	_, err = p.CreateMutex("a/b")
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	_, err = p.CreateMutex(strings.Repeat("x", 193))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	_, err = p.OpenSemaphore("has\x00nul")
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestCloseReleasesEverything(t *testing.T) {
	p := newProvider(t)

	region, err := p.MapMemory(4096, platform.PrivateMapping, platform.ReadWrite)
	require.NoError(t, err)
	pipe, err := p.CreateNamedPipe("drain", platform.PipeIn, platform.PipeByte, 0)
	require.NoError(t, err)
	shm, err := p.CreateSharedMemory("drain", 4096, platform.ReadWrite)
	require.NoError(t, err)
	mtx, err := p.CreateMutex("drain")
	require.NoError(t, err)

	counts := p.OpenHandles()
	assert.Equal(t, 1, counts[platform.CapMemory])
	assert.Equal(t, 2, counts[platform.CapIPC])
	assert.Equal(t, 1, counts[platform.CapSync])

	require.NoError(t, p.Close())

	for c, n := range p.OpenHandles() {
		assert.Zero(t, n, "capability %s", c)
	}
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(p.UnmapMemory(region.Handle)))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(p.CloseNamedPipe(pipe)))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(p.CloseSharedMemory(shm.Handle)))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(p.CloseMutex(mtx)))

	// Named resources are gone from the filesystem as well.
	exists, err := p.ResourceExists("drain", platform.ResourcePipe)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = p.ResourceExists("drain", platform.ResourceMutex)
	require.NoError(t, err)
	assert.False(t, exists)
}
