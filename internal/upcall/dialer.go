package upcall

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// HybridDialer reaches the guest's vsock through a host unix socket that
// multiplexes ports, as exposed by common vhost-user-vsock bridges. The
// dialer performs the port handshake: it writes "CONNECT <port>\n" and
// expects an "OK <assigned port>" line back before handing the stream over.
type HybridDialer struct {
	// Path of the host-side unix socket.
	Path string
	// Port of the in-guest server; zero means ServerPort.
	Port uint32
}

// Dial connects and negotiates the inner port.
func (d *HybridDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	port := d.Port
	if port == 0 {
		port = ServerPort
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending port request: %w", err)
	}
	line, err := readLine(conn, 64)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading port reply: %w", err)
	}
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, fmt.Errorf("port %d refused: %q", port, strings.TrimSpace(line))
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// readLine reads up to limit bytes one at a time so nothing past the
// terminating newline is consumed from the stream.
func readLine(r io.Reader, limit int) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for sb.Len() < limit {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(buf[0])
	}
	return "", fmt.Errorf("reply exceeds %d bytes", limit)
}
