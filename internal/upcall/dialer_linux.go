//go:build linux

package upcall

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// VsockDialer connects straight to the guest over AF_VSOCK, for hosts that
// expose the guest CID directly instead of a hybrid unix socket.
type VsockDialer struct {
	// CID of the guest.
	CID uint32
	// Port of the in-guest server; zero means ServerPort.
	Port uint32
}

// Dial opens the vsock connection.
func (d *VsockDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	port := d.Port
	if port == 0 {
		port = ServerPort
	}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock socket: %w", err)
	}
	sa := &unix.SockaddrVM{CID: d.CID, Port: port}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock connect to cid %d port %d: %w", d.CID, port, err)
	}
	if err := ctx.Err(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("vsock:%d:%d", d.CID, port)), nil
}
