// internal/protocol/line.go
package protocol

import (
	"fmt"

	"go.bug.st/serial"

	"usblink-service/internal/model"
)

// ModeFor converts a LineConfig into a serial.Mode
func ModeFor(line model.LineConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: line.BaudRate,
		DataBits: line.DataBits,
	}

	switch line.StopBits {
	case model.StopBitsOne, "":
		mode.StopBits = serial.OneStopBit
	case model.StopBitsOnePointFive:
		mode.StopBits = serial.OnePointFiveStopBits
	case model.StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %s", line.StopBits)
	}

	switch line.Parity {
	case model.ParityNone, "":
		mode.Parity = serial.NoParity
	case model.ParityOdd:
		mode.Parity = serial.OddParity
	case model.ParityEven:
		mode.Parity = serial.EvenParity
	case model.ParityMark:
		mode.Parity = serial.MarkParity
	case model.ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", line.Parity)
	}

	mode.InitialStatusBits = &serial.ModemOutputBits{
		DTR: line.DTR,
		RTS: line.RTS,
	}

	return mode, nil
}
