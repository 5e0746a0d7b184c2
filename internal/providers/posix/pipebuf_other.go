//go:build unix && !linux

package posix

// setPipeBuffer is a no-op outside Linux; other kernels size FIFO
// buffers themselves.
func setPipeBuffer(fd, size int) {}
