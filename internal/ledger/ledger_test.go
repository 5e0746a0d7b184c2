package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/platform"
)

// deadPID is far above any real pid space.
const deadPID = 1 << 30

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestRecordForgetRoundTrip(t *testing.T) {
	l, _ := openTestLedger(t)

	require.NoError(t, l.Record(platform.ResourcePipe, "p1"))
	require.NoError(t, l.Record(platform.ResourceMutex, "m1"))

	recs, err := l.Records(platform.ResourcePipe)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].Name)
	assert.Equal(t, os.Getpid(), recs[0].PID)
	assert.NotZero(t, recs[0].CreatedAt)

	n, err := l.Count(platform.ResourceMutex)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, l.Forget(platform.ResourcePipe, "p1"))
	require.NoError(t, l.Forget(platform.ResourcePipe, "never-recorded"))

	n, err = l.Count(platform.ResourcePipe)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Record(platform.ResourceSharedMemory, "zone"))
	require.NoError(t, l.Close())

	l, err = Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	recs, err := l.Records(platform.ResourceSharedMemory)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "zone", recs[0].Name)
}

func TestSweepRemovesOnlyOrphans(t *testing.T) {
	l, _ := openTestLedger(t)

	require.NoError(t, l.Record(platform.ResourcePipe, "mine"))
	require.NoError(t, l.recordAs(platform.ResourcePipe, "orphan", deadPID))
	require.NoError(t, l.recordAs(platform.ResourceSemaphore, "stale", deadPID))

	var reaped []string
	removed, err := l.Sweep(nil, func(typ platform.ResourceType, name string) error {
		reaped = append(reaped, typ.String()+"/"+name)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, removed, 2)
	assert.ElementsMatch(t, []string{"pipe/orphan", "semaphore/stale"}, reaped)

	recs, err := l.Records(platform.ResourcePipe)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "mine", recs[0].Name)
}

func TestSweepKeepsRecordWhenReaperFails(t *testing.T) {
	l, _ := openTestLedger(t)

	require.NoError(t, l.recordAs(platform.ResourcePipe, "stuck", deadPID))

	removed, err := l.Sweep(nil, func(platform.ResourceType, string) error {
		return errors.New("busy file")
	})
	require.NoError(t, err)
	assert.Empty(t, removed)

	n, err := l.Count(platform.ResourcePipe)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a record the reaper could not clear stays for the next sweep")
}

func TestSweepWithCustomLiveness(t *testing.T) {
	l, _ := openTestLedger(t)

	require.NoError(t, l.recordAs(platform.ResourceMutex, "a", 100))
	require.NoError(t, l.recordAs(platform.ResourceMutex, "b", 200))

	removed, err := l.Sweep(func(pid int) bool { return pid == 100 }, nil)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "b", removed[0].Name)
	assert.Equal(t, 200, removed[0].PID)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(deadPID))
}

func TestOpenRejectsLockedFile(t *testing.T) {
	_, path := openTestLedger(t)

	_, err := Open(path, nil)
	assert.Error(t, err, "a second open fails instead of blocking")
}
