// Package upcall implements the hotplug transport: a byte-stream channel to
// a management service inside the guest kernel. The VM orchestrator only
// sends device-manager requests over it once the guest side reports ready.
package upcall

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Vsock port of the in-guest upcall server.
const ServerPort = 0xDB

// Wire framing: every request and response starts with a 12-byte header.
const (
	msgMagic   = 0x444D4752 // "DMGR"
	headerSize = 12

	// The body of every response is a 4-byte result code. Cap the declared
	// size so a broken or hostile guest cannot make us allocate its pick.
	maxResponseSize = 64
)

// MsgType selects the device-manager operation.
type MsgType uint32

const (
	MsgConnect MsgType = iota + 1
	MsgAddMmioDev
	MsgDelMmioDev
)

// State of the client connection.
type State int

const (
	// StateWaitingServer: not connected, or the connection broke.
	StateWaitingServer State = iota
	// StateWaitingService: transport up, service handshake outstanding.
	StateWaitingService
	// StateServiceConnected: ready to carry requests.
	StateServiceConnected
	// StateServiceBusy: a request is in flight.
	StateServiceBusy
)

var (
	// ErrNotConnected reports a request sent before the service handshake
	// completed.
	ErrNotConnected = errors.New("upcall: not connected")

	// ErrBusy reports a request sent while another is in flight.
	ErrBusy = errors.New("upcall: request in flight")

	// ErrBadResponse reports a malformed or failed response frame.
	ErrBadResponse = errors.New("upcall: bad response")
)

// Dialer opens the raw byte stream to the in-guest server.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// MmioDevRequest describes one MMIO device to hot-add or hot-remove.
type MmioDevRequest struct {
	Base uint64
	Size uint64
	Irq  uint32
}

// Client drives the upcall channel. All methods are safe for concurrent use;
// requests are serialized, one in flight at a time.
type Client struct {
	dialer Dialer
	log    *slog.Logger

	mu     sync.Mutex
	stream io.ReadWriteCloser
	state  State
}

// NewClient returns a disconnected client. A nil logger means slog.Default.
func NewClient(dialer Dialer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{dialer: dialer, log: logger, state: StateWaitingServer}
}

// Connect dials the transport and performs the service handshake. It may be
// called again after a failure to reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.state = StateWaitingServer

	stream, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("upcall: dialing server: %w", err)
	}
	c.stream = stream
	c.state = StateWaitingService

	if err := c.roundTripLocked(MsgConnect, nil); err != nil {
		stream.Close()
		c.stream = nil
		c.state = StateWaitingServer
		return fmt.Errorf("upcall: service handshake: %w", err)
	}
	c.state = StateServiceConnected
	c.log.Debug("upcall service connected")
	return nil
}

// IsReady reports whether the service is connected and idle.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateServiceConnected
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddMmioDev asks the guest to probe a hot-added MMIO device.
func (c *Client) AddMmioDev(req MmioDevRequest) error {
	return c.sendDevRequest(MsgAddMmioDev, req)
}

// DelMmioDev asks the guest to release a hot-removed MMIO device.
func (c *Client) DelMmioDev(req MmioDevRequest) error {
	return c.sendDevRequest(MsgDelMmioDev, req)
}

func (c *Client) sendDevRequest(t MsgType, req MmioDevRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateServiceConnected:
	case StateServiceBusy:
		return ErrBusy
	default:
		return ErrNotConnected
	}

	c.state = StateServiceBusy
	err := c.roundTripLocked(t, encodeMmioDevRequest(req))
	if err != nil {
		// The stream may hold half a frame; force a reconnect.
		c.stream.Close()
		c.stream = nil
		c.state = StateWaitingServer
		return err
	}
	c.state = StateServiceConnected
	return nil
}

// roundTripLocked writes one framed request and reads its response.
func (c *Client) roundTripLocked(t MsgType, payload []byte) error {
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], msgMagic)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(t))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	if _, err := c.stream.Write(frame); err != nil {
		return fmt.Errorf("upcall: writing request: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		return fmt.Errorf("upcall: reading response header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != msgMagic {
		return fmt.Errorf("%w: magic %#x", ErrBadResponse, binary.LittleEndian.Uint32(header[0:4]))
	}
	if got := MsgType(binary.LittleEndian.Uint32(header[4:8])); got != t {
		return fmt.Errorf("%w: type %d in reply to %d", ErrBadResponse, got, t)
	}
	size := binary.LittleEndian.Uint32(header[8:12])
	if size < 4 || size > maxResponseSize {
		return fmt.Errorf("%w: %d-byte body", ErrBadResponse, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.stream, body); err != nil {
		return fmt.Errorf("upcall: reading response body: %w", err)
	}
	if result := int32(binary.LittleEndian.Uint32(body[0:4])); result != 0 {
		return fmt.Errorf("%w: guest returned %d", ErrBadResponse, result)
	}
	return nil
}

func encodeMmioDevRequest(req MmioDevRequest) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], req.Base)
	binary.LittleEndian.PutUint64(buf[8:16], req.Size)
	binary.LittleEndian.PutUint32(buf[16:20], req.Irq)
	return buf
}

// Close tears the channel down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateWaitingServer
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}
