package board

func boolPtr(b bool) *bool { return &b }

// openocdNRF52 runs one openocd step against an nRF52 behind a J-Link.
func openocdNRF52(step string) string {
	return `openocd -c "adapter driver jlink; ${openocd_serial}transport select swd; source [find target/nrf52.cfg]; init; ` + step + `; exit"`
}

func nrf52dkModel(name, defaultConfig string) *Model {
	return &Model{
		Name:            name,
		Arch:            "cortex-m4",
		ProgramMethod:   ProgramOnChipDebugger,
		TockloaderBoard: "nrf52dk",
		OpenOCDBoard:    "nordic_nrf52_dk.cfg",
		BaudRate:        115200,
		Port:            PortMatch{Description: "J-Link"},
		KernelTarget:    "thumbv7em-none-eabi",
		FlashAddress:    "0x00000",
		KernelConfigs: map[string]KernelVariant{
			"standard": {BoardDir: "boards/nordic/nrf52840dk", Binary: "nrf52840dk.bin"},
			"thread":   {BoardDir: "boards/tutorials/nrf52840dk-thread-tutorial", Binary: "nrf52840dk-thread-tutorial.bin"},
			"test":     {BoardDir: "boards/configurations/nrf52840dk/nrf52840dk-test-kernel", Binary: "nrf52840dk-test-kernel.bin"},
		},
		DefaultKernelConfig: defaultConfig,
		EraseCommand:        openocdNRF52("nrf52_recover"),
		ResetMethod:         ResetCommand,
		ResetCommand:        openocdNRF52("reset"),
	}
}

func builtinModels() []*Model {
	return []*Model{
		nrf52dkModel("nrf52dk", "standard"),
		nrf52dkModel("nrf52dk_configurable", "standard"),
		nrf52dkModel("nrf52dk_thread", "thread"),
		{
			Name:            "imix",
			Arch:            "cortex-m4",
			ProgramMethod:   ProgramSerialBootloader,
			TockloaderBoard: "imix",
			BaudRate:        115200,
			Port:            PortMatch{Description: "imix IoT Module", Fallback: true},
			OpenRTS:         boolPtr(false),
			OpenDTR:         boolPtr(true),
			KernelConfigs: map[string]KernelVariant{
				"standard": {BoardDir: "boards/imix", MakeTarget: "program"},
			},
			EraseCommand:              "tockloader erase-apps --board ${board} --port ${device}",
			ResetMethod:               ResetRTS,
			ResetCommand:              "tockloader read 0x0 1 --board ${board} --port ${device}",
			ReleaseConsoleDuringFlash: true,
		},
		{
			Name:            "litex_arty",
			Arch:            "rv32imc",
			ProgramMethod:   ProgramNone,
			TockloaderBoard: "litex_arty",
			BaudRate:        1000000,
			Port:            PortMatch{Description: "Digilent USB Device", Fallback: true},
			OpenRTS:         boolPtr(false),
			OpenDTR:         boolPtr(true),
			KernelTarget:    "riscv32imc-unknown-none-elf",
			FlashAddress:    "0x40000000",
			FlashFile:       "/srv/tftp/boot.bin",
			KernelConfigs: map[string]KernelVariant{
				"standard": {BoardDir: "boards/litex/arty", Binary: "litex_arty.bin"},
			},
			EraseCommand:    "truncate -s0 ${flash_file}",
			ResetAfterErase: true,
			ResetMethod:     ResetReopenSerial,
		},
	}
}
