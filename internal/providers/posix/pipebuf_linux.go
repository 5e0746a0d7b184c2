package posix

import "golang.org/x/sys/unix"

// setPipeBuffer resizes the kernel FIFO buffer. Best effort: the
// request can exceed the fs.pipe-max-size limit for unprivileged
// callers, and the default capacity is fine to fall back on.
func setPipeBuffer(fd, size int) {
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, size)
}
