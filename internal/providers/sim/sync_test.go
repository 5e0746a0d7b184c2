package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/platform"
)

func TestSemaphoreCountScenario(t *testing.T) {
	p := New(nil)

	sem, err := p.CreateSemaphore("workers", 2, 5)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		acquired, err := p.AcquireSemaphore(sem, platform.NoWait)
		require.NoError(t, err)
		require.True(t, acquired)
	}

	acquired, err := p.AcquireSemaphore(sem, platform.NoWait)
	require.NoError(t, err, "an exhausted semaphore is not an error")
	assert.False(t, acquired)

	previous, err := p.ReleaseSemaphore(sem, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, previous)

	acquired, err = p.AcquireSemaphore(sem, platform.NoWait)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestSemaphoreReleaseBeyondMaximum(t *testing.T) {
	p := New(nil)

	sem, err := p.CreateSemaphore("full", 3, 3)
	require.NoError(t, err)

	_, err = p.ReleaseSemaphore(sem, 1)
	assert.Equal(t, platform.KindResource, platform.ErrKind(err))

	// The failed release must not have changed the count.
	acquired, err := p.AcquireSemaphore(sem, platform.NoWait)
	require.NoError(t, err)
	require.True(t, acquired)
	previous, err := p.ReleaseSemaphore(sem, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, previous)
}

func TestSemaphoreValidation(t *testing.T) {
	p := New(nil)

	_, err := p.CreateSemaphore("bad", -1, 5)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	_, err = p.CreateSemaphore("bad", 6, 5)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	_, err = p.CreateSemaphore("bad", 0, 0)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))

	sem, err := p.CreateSemaphore("ok", 1, 2)
	require.NoError(t, err)
	_, err = p.ReleaseSemaphore(sem, 0)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestSemaphoreBlockingAcquire(t *testing.T) {
	p := New(nil)

	sem, err := p.CreateSemaphore("queue", 0, 1)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		if _, err := p.ReleaseSemaphore(sem, 1); err != nil {
			t.Error(err)
		}
	}()

	acquired, err := p.AcquireSemaphore(sem, time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = p.AcquireSemaphore(sem, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, acquired, "bounded wait expiry is a false result")
}

func TestMutexOwnership(t *testing.T) {
	p := New(nil)

	h1, err := p.CreateMutex("gate")
	require.NoError(t, err)
	h2, err := p.OpenMutex("gate")
	require.NoError(t, err)

	acquired, err := p.AcquireMutex(h1, platform.NoWait)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = p.AcquireMutex(h2, platform.NoWait)
	require.NoError(t, err)
	assert.False(t, acquired, "held mutex is not acquirable")

	err = p.ReleaseMutex(h2)
	assert.Equal(t, platform.KindAccess, platform.ErrKind(err), "only the owner may release")

	require.NoError(t, p.ReleaseMutex(h1))
	acquired, err = p.AcquireMutex(h2, platform.NoWait)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMutexNotReentrant(t *testing.T) {
	p := New(nil)

	h, err := p.CreateMutex("")
	require.NoError(t, err)

	acquired, err := p.AcquireMutex(h, platform.NoWait)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = p.AcquireMutex(h, platform.NoWait)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestMutexReleaseWithoutHold(t *testing.T) {
	p := New(nil)

	h, err := p.CreateMutex("")
	require.NoError(t, err)
	err = p.ReleaseMutex(h)
	assert.Equal(t, platform.KindInvalidState, platform.ErrKind(err))
}

func TestMutexBlockingHandoff(t *testing.T) {
	p := New(nil)

	h1, err := p.CreateMutex("handoff")
	require.NoError(t, err)
	h2, err := p.OpenMutex("handoff")
	require.NoError(t, err)

	acquired, err := p.AcquireMutex(h1, platform.NoWait)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(20 * time.Millisecond)
		if err := p.ReleaseMutex(h1); err != nil {
			t.Error(err)
		}
	}()

	acquired, err = p.AcquireMutex(h2, time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestCloseAbandonsHeldMutex(t *testing.T) {
	p := New(nil)

	h1, err := p.CreateMutex("abandoned")
	require.NoError(t, err)
	h2, err := p.OpenMutex("abandoned")
	require.NoError(t, err)

	acquired, err := p.AcquireMutex(h1, platform.NoWait)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, p.CloseMutex(h1))

	acquired, err = p.AcquireMutex(h2, platform.NoWait)
	require.NoError(t, err)
	assert.True(t, acquired, "closing the owner abandons the mutex")
}

func TestSyncNameLifecycle(t *testing.T) {
	p := New(nil)

	_, err := p.OpenMutex("ghost")
	assert.Equal(t, platform.KindNotFound, platform.ErrKind(err))
	_, err = p.OpenSemaphore("ghost")
	assert.Equal(t, platform.KindNotFound, platform.ErrKind(err))

	m, err := p.CreateMutex("shared")
	require.NoError(t, err)
	_, err = p.CreateMutex("shared")
	assert.Equal(t, platform.KindResource, platform.ErrKind(err))

	exists, err := p.ResourceExists("shared", platform.ResourceMutex)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, p.CloseMutex(m))
	exists, err = p.ResourceExists("shared", platform.ResourceMutex)
	require.NoError(t, err)
	assert.False(t, exists)

	s, err := p.CreateSemaphore("permits", 1, 1)
	require.NoError(t, err)
	exists, err = p.ResourceExists("permits", platform.ResourceSemaphore)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, p.CloseSemaphore(s))

	assert.Equal(t, 0, p.OpenHandles()[platform.CapSync])
}
