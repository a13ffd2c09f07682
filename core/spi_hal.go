package core

import (
	"periph.io/x/conn/v3/gpio"
)

// FourWirePeripheral is the register-level view of one full-duplex
// controller: a transmit register, a receive register and three flags.
type FourWirePeripheral interface {
	// Send loads b into the transmit register, starting a byte exchange.
	Send(b byte)
	// RxNotEmpty reports that the byte clocked in during the last exchange
	// is ready.
	RxNotEmpty() bool
	Receive() byte
	// TxEmpty reports that the transmit register can accept a byte.
	TxEmpty() bool
	// Busy reports that the controller is still clocking.
	Busy() bool
}

// SlaveID names a device on a four-wire bus.
type SlaveID uint8

// SlaveDescriptor binds a slave to its chip-select line. ActiveHigh selects
// the line polarity; the default drives the line low to select.
type SlaveDescriptor struct {
	ID         SlaveID
	Name       string
	CS         gpio.PinOut
	ActiveHigh bool
}

func (s SlaveDescriptor) level(selected bool) gpio.Level {
	return gpio.Level(selected == s.ActiveHigh)
}
