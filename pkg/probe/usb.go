package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// ProbeKind categorizes debug probe families.
type ProbeKind string

const (
	ProbeKindJLink    ProbeKind = "jlink"
	ProbeKindCMSISDAP ProbeKind = "cmsis-dap"
	ProbeKindFTDI     ProbeKind = "ftdi"
)

// DebugProbe describes a detected USB debug probe.
type DebugProbe struct {
	Kind         ProbeKind
	Description  string
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

// Label returns a user-friendly description for the probe.
func (p DebugProbe) Label() string {
	if p.Description != "" {
		return p.Description
	}
	return fmt.Sprintf("%s (%04X:%04X)", p.Kind, p.VendorID, p.ProductID)
}

type knownUSBDevice struct {
	VendorID    uint16
	ProductID   uint16
	Kind        ProbeKind
	Description string
}

var knownProbes = []knownUSBDevice{
	{VendorID: 0x1366, ProductID: 0x0101, Kind: ProbeKindJLink, Description: "SEGGER J-Link"},
	{VendorID: 0x1366, ProductID: 0x1015, Kind: ProbeKindJLink, Description: "SEGGER J-Link OB"},
	{VendorID: 0x1366, ProductID: 0x1051, Kind: ProbeKindJLink, Description: "SEGGER J-Link OB"},
	{VendorID: 0x0d28, ProductID: 0x0204, Kind: ProbeKindCMSISDAP, Description: "DAPLink CMSIS-DAP"},
	{VendorID: 0x2e8a, ProductID: 0x000c, Kind: ProbeKindCMSISDAP, Description: "Raspberry Pi Debug Probe"},
	{VendorID: 0x0403, ProductID: 0x6010, Kind: ProbeKindFTDI, Description: "FTDI FT2232 (Digilent)"},
	{VendorID: 0x0403, ProductID: 0x6015, Kind: ProbeKindFTDI, Description: "FTDI FT230X"},
}

func classify(desc *gousb.DeviceDesc) (knownUSBDevice, bool) {
	for _, known := range knownProbes {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return known, true
		}
	}
	return knownUSBDevice{}, false
}

// DiscoverDebugProbes enumerates USB debug probes with known VID/PID pairs.
// Devices the user may not open are skipped.
func DiscoverDebugProbes(ctx context.Context) ([]DebugProbe, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		_, ok := classify(desc)
		return ok
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return nil, fmt.Errorf("probe: enumerate usb: %w", err)
	}

	var probes []DebugProbe
	for _, dev := range devs {
		known, _ := classify(dev.Desc)
		p := DebugProbe{
			Kind:        known.Kind,
			Description: known.Description,
			VendorID:    known.VendorID,
			ProductID:   known.ProductID,
		}
		p.SerialNumber, _ = dev.SerialNumber()
		if product, err := dev.Product(); err == nil && product != "" {
			p.Description = product
		}
		probes = append(probes, p)
	}
	return probes, ctx.Err()
}
