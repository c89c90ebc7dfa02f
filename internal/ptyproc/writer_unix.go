//go:build unix

package ptyproc

import (
	"time"

	"golang.org/x/sys/unix"
)

// ptyWriter asynchronously drains queued bytes onto a PTY master file
// descriptor using non-blocking writes with exponential EAGAIN backoff
// (2ms -> 50ms), per spec.md §4.B. It never drops bytes.
type ptyWriter struct {
	fd int
}

func newPTYWriter(fd int) (*ptyWriter, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &ptyWriter{fd: fd}, nil
}

func (w *ptyWriter) writeAll(data []byte) error {
	const minBackoff = 2 * time.Millisecond
	const maxBackoff = 50 * time.Millisecond
	backoff := minBackoff
	for len(data) > 0 {
		n, err := unix.Write(w.fd, data)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			return err
		}
		data = data[n:]
		backoff = minBackoff
	}
	return nil
}
