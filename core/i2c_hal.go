package core

import (
	"periph.io/x/conn/v3/physic"
)

// Address is a 7-bit two-wire device address.
type Address uint8

// TwoWirePeripheral is the register-level view of one two-wire controller
// that the engine drives. Implementations only expose status flags and
// primitive actions; sequencing lives in TwoWireEngine.
type TwoWirePeripheral interface {
	// Busy reports that the bus is held, e.g. by a slave stretching the clock.
	Busy() bool
	// StartSent reports that a start condition has been latched.
	StartSent() bool
	// AddressSent reports that the address phase completed with an ACK.
	AddressSent() bool
	// AckFailed reports that the last address or data byte was NACKed.
	AckFailed() bool
	// ByteTransferred reports completion of the last transmitted byte.
	ByteTransferred() bool
	// RxNotEmpty reports that a received byte is ready.
	RxNotEmpty() bool

	GenerateStart()
	GenerateStop()
	SendAddress(addr Address, read bool)
	SendData(b byte)
	ReadData() byte
	// SetAck selects whether the next received byte is acknowledged.
	SetAck(enable bool)
	ClearAckFailure()
	// ClearAddress clears the address-sent flag so the transfer can start.
	ClearAddress()
}

// Configurer is implemented by peripherals that need their clock set once
// before the first transaction.
type Configurer interface {
	Configure(freq physic.Frequency) error
}

// StandardMode is the highest two-wire clock supported.
const StandardMode = 100 * physic.KiloHertz
