// Package uota drives the SPI NOR flash that holds a device's firmware banks
// and boot parameters, so the OTA engine in internal/transfer can run on a
// host against real hardware through an FTDI MPSSE bridge.
//
// The subpackages carry the engine itself:
//
//   - internal/flash: the Device capability, partition table and emulators
//   - internal/transfer: the peer-facing transfer state machine
//   - internal/image, internal/erase: staging writes and erase scheduling
//   - internal/bootparam: the boot parameter record
//   - internal/link, internal/ble: peer transports
//   - internal/peer, internal/bootsim: the uploading host and the bootloader
//
// # References:
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// SPI Flash
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//   - [W25Q32]: W25Q32JV Winbond Serial Flash Memory (https://www.winbond.com/resource-files/w25q32jv%20revg%2003272018%20plus.pdf)
package uota
