//go:build linux || darwin

package network

import "syscall"

// PeerAlive probes the socket with a non-blocking MSG_PEEK: a zero-byte
// read means the peer closed; EAGAIN means the connection is idle but
// alive. Used to decide whether an old connection holding a contested
// client id is really gone.
func (c *Connection) PeerAlive() bool {
	if c.State() != StateConnected {
		return false
	}

	fd, err := rawFd(c)
	if err != nil {
		return c.State() == StateConnected
	}

	var buf [1]byte
	n, _, err := syscall.Recvfrom(fd, buf[:], syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
	if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
		return true
	}
	if err != nil {
		return false
	}
	return n > 0
}
