// Package probe identifies the host-side hardware attached to a board under
// test: its console tty and its USB debug probe.
package probe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNoPort is returned when no port satisfies a Selector.
var ErrNoPort = errors.New("probe: no matching serial port")

// Port is a serial device visible on the host.
type Port struct {
	Device       string
	Description  string
	SerialNumber string
	VendorID     uint16
	ProductID    uint16
}

// Lister enumerates serial ports.
type Lister interface {
	Ports() ([]Port, error)
}

// StaticLister returns a fixed port list.
type StaticLister []Port

func (s StaticLister) Ports() ([]Port, error) {
	return append([]Port(nil), s...), nil
}

// SysfsLister enumerates ttys through the Linux sysfs tree.
type SysfsLister struct {
	// Root defaults to /sys/class/tty.
	Root string
	// DevDir defaults to /dev.
	DevDir string
}

// Ports lists every tty backed by a device, sorted by device path.
func (l SysfsLister) Ports() ([]Port, error) {
	root := l.Root
	if root == "" {
		root = "/sys/class/tty"
	}
	devDir := l.DevDir
	if devDir == "" {
		devDir = "/dev"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("probe: list %s: %w", root, err)
	}

	var ports []Port
	for _, e := range entries {
		name := e.Name()
		devLink := filepath.Join(root, name, "device")
		devPath, err := filepath.EvalSymlinks(devLink)
		if err != nil {
			continue // virtual console, pty
		}
		p := Port{Device: filepath.Join(devDir, name), Description: name}

		subsystem := ""
		if sub, err := filepath.EvalSymlinks(filepath.Join(devPath, "subsystem")); err == nil {
			subsystem = filepath.Base(sub)
		}
		var ifacePath string
		switch subsystem {
		case "usb-serial":
			ifacePath = filepath.Dir(devPath)
		case "usb":
			ifacePath = devPath
		case "platform", "":
			if strings.HasPrefix(name, "ttyS") {
				continue // legacy 8250 placeholders
			}
		}
		if ifacePath != "" {
			fillUSB(&p, ifacePath)
		}
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Device < ports[j].Device })
	return ports, nil
}

func fillUSB(p *Port, ifacePath string) {
	usbDev := filepath.Dir(ifacePath)
	p.SerialNumber = readAttr(usbDev, "serial")
	p.VendorID = readHex(usbDev, "idVendor")
	p.ProductID = readHex(usbDev, "idProduct")
	product := readAttr(usbDev, "product")
	iface := readAttr(ifacePath, "interface")
	switch {
	case product != "" && iface != "":
		p.Description = product + " - " + iface
	case product != "":
		p.Description = product
	}
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readHex(dir, name string) uint16 {
	v, err := strconv.ParseUint(readAttr(dir, name), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// Selector describes which port belongs to a board.
type Selector struct {
	// DescriptionContains filters ports by USB description.
	DescriptionContains string
	// SerialNumber, when set, must match the port's USB serial.
	SerialNumber string
	// ExcludeSerial skips a port, typically the one used by a sibling board.
	ExcludeSerial string
	// Fallback accepts any port when none matches the description.
	Fallback bool
}

// Select picks the first port satisfying s.
func Select(ports []Port, s Selector) (Port, error) {
	matched := ports
	if s.DescriptionContains != "" {
		matched = nil
		for _, p := range ports {
			if strings.Contains(p.Description, s.DescriptionContains) {
				matched = append(matched, p)
			}
		}
		if len(matched) == 0 && s.Fallback && s.SerialNumber == "" {
			matched = ports
		}
	}
	if len(matched) == 0 {
		return Port{}, fmt.Errorf("%w for %q", ErrNoPort, s.DescriptionContains)
	}

	if s.SerialNumber != "" {
		for _, p := range matched {
			if sameSerial(p.SerialNumber, s.SerialNumber) {
				return p, nil
			}
		}
		return Port{}, fmt.Errorf("%w with serial number %s", ErrNoPort, s.SerialNumber)
	}

	for _, p := range matched {
		if s.ExcludeSerial != "" && sameSerial(p.SerialNumber, s.ExcludeSerial) {
			continue
		}
		return p, nil
	}
	return Port{}, fmt.Errorf("%w after excluding serial number %s", ErrNoPort, s.ExcludeSerial)
}

// sameSerial compares USB serials, ignoring the zero padding J-Link firmware
// adds to its serial string.
func sameSerial(a, b string) bool {
	return strings.TrimLeft(a, "0") == strings.TrimLeft(b, "0")
}
