//go:build linux

package serial

import "golang.org/x/sys/unix"

func flushBuffers(fd uintptr) error {
	return unix.IoctlSetInt(int(fd), unix.TCFLSH, unix.TCIOFLUSH)
}

func lockExclusive(fd uintptr) error {
	return unix.IoctlSetInt(int(fd), unix.TIOCEXCL, 0)
}

func unlockExclusive(fd uintptr) error {
	return unix.IoctlSetInt(int(fd), unix.TIOCNXCL, 0)
}

func setRTS(fd uintptr, on bool) error {
	return setModemBit(fd, unix.TIOCM_RTS, on)
}

func setDTR(fd uintptr, on bool) error {
	return setModemBit(fd, unix.TIOCM_DTR, on)
}

func setModemBit(fd uintptr, bit int, on bool) error {
	req := uint(unix.TIOCMBIC)
	if on {
		req = unix.TIOCMBIS
	}
	return unix.IoctlSetPointerInt(int(fd), req, bit)
}
