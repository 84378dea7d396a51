//go:build !linux

package serial

func flushBuffers(fd uintptr) error { return nil }

func lockExclusive(fd uintptr) error { return nil }

func unlockExclusive(fd uintptr) error { return nil }

func setRTS(fd uintptr, on bool) error { return errNoModemLines }

func setDTR(fd uintptr, on bool) error { return errNoModemLines }
