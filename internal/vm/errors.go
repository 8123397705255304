package vm

import (
	"errors"
	"fmt"
)

// Boot stages, in execution order. A BootError names the stage that failed.
const (
	StageCheckHealth     = "check-health"
	StageInitGuestMemory = "init-guest-memory"
	StageInitVcpuManager = "init-vcpu-manager"
	StageInitDevices     = "init-devices"
	StageLoadKernel      = "load-kernel"
	StageLoadInitrd      = "load-initrd"
	StageConfigureSystem = "configure-system"
	StageStartVcpus      = "start-vcpus"
)

var (
	// ErrKernelMissing reports a boot attempt without a kernel configured.
	ErrKernelMissing = errors.New("vm: no kernel configured")

	// ErrReservationTooLarge reports a memory reservation over half of
	// guest RAM.
	ErrReservationTooLarge = errors.New("vm: memory reservation exceeds half of guest memory")

	// ErrInvalidState reports an operation in a lifecycle state that does
	// not allow it.
	ErrInvalidState = errors.New("vm: invalid lifecycle state")

	// ErrUpcallNotSupported reports a hotplug attempt on a VM without an
	// upcall transport.
	ErrUpcallNotSupported = errors.New("vm: hotplug transport not configured")

	// ErrUpcallNotReady reports a hotplug attempt before the in-guest
	// service connected.
	ErrUpcallNotReady = errors.New("vm: hotplug transport not ready")

	// ErrDeviceNotFound reports removal of an unknown device.
	ErrDeviceNotFound = errors.New("vm: device not found")

	// ErrTxClosed reports an operation on a resolved transaction.
	ErrTxClosed = errors.New("vm: transaction already resolved")
)

// BootError tags a boot failure with the stage it occurred in. Failed boots
// are never retried automatically.
type BootError struct {
	Stage string
	Err   error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("vm: boot stage %s: %v", e.Stage, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }
