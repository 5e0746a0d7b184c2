//go:build unix

package posix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/platform"
)

func TestPipeByteStream(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("stream", platform.PipeIn, platform.PipeByte, 0)
	require.NoError(t, err)
	client, err := p.ConnectNamedPipe("stream", platform.PipeOut)
	require.NoError(t, err)

	n, err := p.WriteNamedPipe(client, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, p.WaitForNamedPipeConnection(server, time.Second))

	buf := make([]byte, 16)
	n, err = p.ReadNamedPipe(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), buf[:n])

	// Nothing queued on a connected byte pipe reads as zero.
	n, err = p.ReadNamedPipe(server, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, p.CloseNamedPipe(client))
	require.NoError(t, p.CloseNamedPipe(server))
}

func TestPipeMessageFraming(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("frames", platform.PipeIn, platform.PipeMessage, 1024)
	require.NoError(t, err)
	client, err := p.ConnectNamedPipe("frames", platform.PipeOut)
	require.NoError(t, err)

	for _, msg := range []string{"alpha", "be"} {
		n, err := p.WriteNamedPipe(client, []byte(msg))
		require.NoError(t, err)
		assert.Equal(t, len(msg), n)
	}

	buf := make([]byte, 64)
	n, err := p.ReadNamedPipe(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), buf[:n], "boundaries survive back-to-back writes")
	n, err = p.ReadNamedPipe(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("be"), buf[:n])

	// A short destination truncates the message and drops the rest.
	_, err = p.WriteNamedPipe(client, []byte("0123456789"))
	require.NoError(t, err)
	small := make([]byte, 4)
	n, err = p.ReadNamedPipe(server, small)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), small[:n])

	_, err = p.WriteNamedPipe(client, []byte("next"))
	require.NoError(t, err)
	n, err = p.ReadNamedPipe(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), buf[:n], "the truncated tail does not leak into later reads")
}

func TestPipeMessageTooLarge(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("tight", platform.PipeIn, platform.PipeMessage, 8)
	require.NoError(t, err)
	defer p.CloseNamedPipe(server)
	client, err := p.ConnectNamedPipe("tight", platform.PipeOut)
	require.NoError(t, err)
	defer p.CloseNamedPipe(client)

	_, err = p.WriteNamedPipe(client, []byte("123456789"))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestPipeSingleClient(t *testing.T) {
	p := newProvider(t)

	_, err := p.CreateNamedPipe("gate", platform.PipeIn, platform.PipeByte, 0)
	require.NoError(t, err)

	first, err := p.ConnectNamedPipe("gate", platform.PipeOut)
	require.NoError(t, err)
	_, err = p.ConnectNamedPipe("gate", platform.PipeOut)
	assert.Equal(t, platform.KindResource, platform.ErrKind(err), "second client is turned away")

	// A later client may connect once the first is gone.
	require.NoError(t, p.CloseNamedPipe(first))
	second, err := p.ConnectNamedPipe("gate", platform.PipeOut)
	require.NoError(t, err)
	require.NoError(t, p.CloseNamedPipe(second))
}

func TestPipeDirectionEnforcement(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("inbound", platform.PipeIn, platform.PipeByte, 0)
	require.NoError(t, err)

	_, err = p.ConnectNamedPipe("inbound", platform.PipeIn)
	assert.Equal(t, platform.KindAccess, platform.ErrKind(err), "client cannot read a pipe the creator reads")

	_, err = p.WriteNamedPipe(server, []byte("x"))
	assert.Equal(t, platform.KindAccess, platform.ErrKind(err), "creator of an inbound pipe cannot write")

	client, err := p.ConnectNamedPipe("inbound", platform.PipeOut)
	require.NoError(t, err)
	_, err = p.ReadNamedPipe(client, make([]byte, 4))
	assert.Equal(t, platform.KindAccess, platform.ErrKind(err), "writing end cannot read")
}

func TestPipeConnectWithoutServer(t *testing.T) {
	p := newProvider(t)

	_, err := p.ConnectNamedPipe("ghost", platform.PipeOut)
	assert.Equal(t, platform.KindNotFound, platform.ErrKind(err))
}

func TestPipeWaitTimeout(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("lonely", platform.PipeIn, platform.PipeByte, 0)
	require.NoError(t, err)

	err = p.WaitForNamedPipeConnection(server, 30*time.Millisecond)
	assert.Equal(t, platform.KindTimeout, platform.ErrKind(err))
}

func TestPipeOutboundLazyOpen(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("announce", platform.PipeOut, platform.PipeByte, 0)
	require.NoError(t, err)

	// No reader yet: writes report zero without failing.
	n, err := p.WriteNamedPipe(server, []byte("ping"))
	require.NoError(t, err)
	assert.Zero(t, n)

	client, err := p.ConnectNamedPipe("announce", platform.PipeIn)
	require.NoError(t, err)
	require.NoError(t, p.WaitForNamedPipeConnection(server, time.Second))

	n, err = p.WriteNamedPipe(server, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 8)
	n, err = p.ReadNamedPipe(client, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf[:n])
}

func TestPipeSeveredByPeer(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("frail", platform.PipeIn, platform.PipeByte, 0)
	require.NoError(t, err)
	client, err := p.ConnectNamedPipe("frail", platform.PipeOut)
	require.NoError(t, err)

	_, err = p.WriteNamedPipe(client, []byte("last words"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := p.ReadNamedPipe(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), buf[:n])

	require.NoError(t, p.CloseNamedPipe(client))
	_, err = p.ReadNamedPipe(server, buf)
	assert.Equal(t, platform.KindBroken, platform.ErrKind(err), "reads after the writer is gone report a broken pipe")
}

func TestPipeWriterSeesReaderGone(t *testing.T) {
	p := newProvider(t)

	server, err := p.CreateNamedPipe("oneway", platform.PipeOut, platform.PipeByte, 0)
	require.NoError(t, err)
	client, err := p.ConnectNamedPipe("oneway", platform.PipeIn)
	require.NoError(t, err)
	require.NoError(t, p.WaitForNamedPipeConnection(server, time.Second))

	require.NoError(t, p.CloseNamedPipe(client))
	_, err = p.WriteNamedPipe(server, []byte("into the void"))
	assert.Equal(t, platform.KindBroken, platform.ErrKind(err))
}

func TestPipeInOutLoopback(t *testing.T) {
	p := newProvider(t)

	h, err := p.CreateNamedPipe("duplex", platform.PipeInOut, platform.PipeByte, 0)
	require.NoError(t, err)

	// A bidirectional end counts as connected from the start.
	require.NoError(t, p.WaitForNamedPipeConnection(h, platform.NoWait))

	n, err := p.WriteNamedPipe(h, []byte("echo"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 8)
	n, err = p.ReadNamedPipe(h, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo"), buf[:n])
}

func TestPipeDuplicateName(t *testing.T) {
	p := newProvider(t)

	_, err := p.CreateNamedPipe("taken", platform.PipeIn, platform.PipeByte, 0)
	require.NoError(t, err)
	_, err = p.CreateNamedPipe("taken", platform.PipeIn, platform.PipeByte, 0)
	assert.Equal(t, platform.KindResource, platform.ErrKind(err))
}

func TestSharedMemoryVisibility(t *testing.T) {
	p := newProvider(t)

	created, err := p.CreateSharedMemory("board", 4096, platform.ReadWrite)
	require.NoError(t, err)
	require.Len(t, created.Data, 4096)
	copy(created.Data, "written by creator")

	opened, err := p.OpenSharedMemory("board", platform.ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, "board", opened.Name)
	assert.Equal(t, []byte("written by creator"), opened.Data[:18])

	copy(opened.Data[18:], " and opener")
	assert.Equal(t, []byte("written by creator and opener"), created.Data[:29],
		"both attachments view the same pages")

	require.NoError(t, p.CloseSharedMemory(opened.Handle))
	require.NoError(t, p.CloseSharedMemory(created.Handle))
}

func TestSharedMemoryCreatorRemovesName(t *testing.T) {
	p := newProvider(t)

	created, err := p.CreateSharedMemory("ephemeral", 4096, platform.ReadWrite)
	require.NoError(t, err)

	exists, err := p.ResourceExists("ephemeral", platform.ResourceSharedMemory)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, p.CloseSharedMemory(created.Handle))
	exists, err = p.ResourceExists("ephemeral", platform.ResourceSharedMemory)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = p.OpenSharedMemory("ephemeral", platform.ReadOnly)
	assert.Equal(t, platform.KindNotFound, platform.ErrKind(err))
}

func TestSharedMemoryErrors(t *testing.T) {
	p := newProvider(t)

	_, err := p.CreateSharedMemory("sized", 0, platform.ReadWrite)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))

	created, err := p.CreateSharedMemory("sized", 4096, platform.ReadWrite)
	require.NoError(t, err)
	defer p.CloseSharedMemory(created.Handle)

	_, err = p.CreateSharedMemory("sized", 4096, platform.ReadWrite)
	assert.Equal(t, platform.KindResource, platform.ErrKind(err))
	_, err = p.OpenSharedMemory("unseen", platform.ReadOnly)
	assert.Equal(t, platform.KindNotFound, platform.ErrKind(err))
}

func TestResourceExistsUnknownType(t *testing.T) {
	p := newProvider(t)

	_, err := p.ResourceExists("x", platform.ResourceType(99))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestRemoveResourceReclaimsOrphans(t *testing.T) {
	p := newProvider(t)

	// Leave backing files behind the way a crashed process would: the
	// creating handles stay open in a provider that never closes them.
	_, err := p.CreateNamedPipe("orphaned", platform.PipeInOut, platform.PipeByte, 0)
	require.NoError(t, err)
	_, err = p.CreateSharedMemory("orphaned", 4096, platform.ReadWrite)
	require.NoError(t, err)

	other := newProvider(t)
	other.dir = p.dir
	other.shmDir = p.shmDir

	require.NoError(t, other.RemoveResource("orphaned", platform.ResourcePipe))
	require.NoError(t, other.RemoveResource("orphaned", platform.ResourceSharedMemory))

	exists, err := other.ResourceExists("orphaned", platform.ResourcePipe)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = other.ResourceExists("orphaned", platform.ResourceSharedMemory)
	require.NoError(t, err)
	assert.False(t, exists)

	// A name that is already gone is not an error.
	require.NoError(t, other.RemoveResource("orphaned", platform.ResourceSharedMemory))
	assert.Equal(t, platform.KindInvalidValue,
		platform.ErrKind(other.RemoveResource("bad", platform.ResourceType(99))))
}
