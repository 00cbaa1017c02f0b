//go:build linux

package freezer

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request codes from <linux/android/binder.h>.
//
//	BINDER_FREEZE          = _IOW('B', 14, struct binder_freeze_info)
//	BINDER_GET_FROZEN_INFO = _IOWR('B', 15, struct binder_frozen_status_info)
const (
	binderFreezeIoctl        = 0x400c620e
	binderGetFrozenInfoIoctl = 0xc00c620f
)

// binderFreezeInfo mirrors struct binder_freeze_info.
type binderFreezeInfo struct {
	pid       uint32
	enable    uint32
	timeoutMs uint32
}

// binderFrozenStatusInfo mirrors struct binder_frozen_status_info. The
// driver reports synchronous and asynchronous receive state separately.
type binderFrozenStatusInfo struct {
	pid       uint32
	isFrozen  uint32
	asyncRecv uint32
}

// binderDevice talks to /dev/binder.
type binderDevice struct {
	f *os.File
}

// openBinderDriver opens /dev/binder and probes the frozen-status ioctl
// against the daemon's own PID. Kernels without the ioctl reject the probe
// and the coordinated strategy is disabled.
func openBinderDriver() (BinderDriver, error) {
	f, err := os.OpenFile("/dev/binder", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("freezer: open /dev/binder: %w", err)
	}

	d := &binderDevice{f: f}
	if _, err := d.IsFrozen(os.Getpid()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("freezer: kernel lacks BINDER_GET_FROZEN_INFO: %w", err)
	}
	return d, nil
}

func (d *binderDevice) Supported() bool { return true }

func (d *binderDevice) Freeze(pid int, enable bool, timeout time.Duration) error {
	info := binderFreezeInfo{
		pid:       uint32(pid),
		timeoutMs: uint32(timeout / time.Millisecond),
	}
	if enable {
		info.enable = 1
	}
	return d.ioctl(binderFreezeIoctl, unsafe.Pointer(&info))
}

func (d *binderDevice) IsFrozen(pid int) (bool, error) {
	info := binderFrozenStatusInfo{pid: uint32(pid)}
	if err := d.ioctl(binderGetFrozenInfoIoctl, unsafe.Pointer(&info)); err != nil {
		return false, err
	}
	return info.isFrozen != 0, nil
}

func (d *binderDevice) Close() error { return d.f.Close() }

// ioctl issues one request against the binder fd, returning the raw errno so
// callers can match on unix.EAGAIN and friends.
func (d *binderDevice) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
