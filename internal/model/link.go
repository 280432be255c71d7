// internal/model/link.go
package model

import (
	"time"
)

// LinkState represents the supervisor state
type LinkState string

const (
	LinkStateIdle               LinkState = "IDLE"
	LinkStateMatching           LinkState = "MATCHING"
	LinkStateAwaitingPermission LinkState = "AWAITING_PERMISSION"
	LinkStateOpening            LinkState = "OPENING"
	LinkStateStreaming          LinkState = "STREAMING"
	LinkStateError              LinkState = "ERROR"
)

// AcceptsConnect reports whether a new attempt may start from this state
func (s LinkState) AcceptsConnect() bool {
	return s == LinkStateIdle || s == LinkStateError
}

// ErrorReason explains why an attempt ended in LinkStateError
type ErrorReason string

const (
	ErrorReasonNone             ErrorReason = ""
	ErrorReasonNoDevice         ErrorReason = "NO_DEVICE"
	ErrorReasonPermissionDenied ErrorReason = "PERMISSION_DENIED"
	ErrorReasonOpenFailed       ErrorReason = "OPEN_FAILED"
)

// PermissionState tracks OS access consent for the current attempt
type PermissionState string

const (
	PermissionUnknown PermissionState = "UNKNOWN"
	PermissionPending PermissionState = "PENDING"
	PermissionGranted PermissionState = "GRANTED"
	PermissionDenied  PermissionState = "DENIED"
)

// CanTransition checks the forward-only permission ordering
func (p PermissionState) CanTransition(next PermissionState) bool {
	switch p {
	case PermissionUnknown:
		return next == PermissionPending || next == PermissionGranted || next == PermissionDenied
	case PermissionPending:
		return next == PermissionGranted || next == PermissionDenied
	default:
		return false
	}
}

// StopBits mirrors the serial stop bit options
type StopBits string

const (
	StopBitsOne          StopBits = "1"
	StopBitsOnePointFive StopBits = "1.5"
	StopBitsTwo          StopBits = "2"
)

// Parity mirrors the serial parity options
type Parity string

const (
	ParityNone  Parity = "none"
	ParityOdd   Parity = "odd"
	ParityEven  Parity = "even"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// LineConfig is the serial line configuration applied on open
type LineConfig struct {
	BaudRate    int           `json:"baud_rate"`
	DataBits    int           `json:"data_bits"`
	StopBits    StopBits      `json:"stop_bits"`
	Parity      Parity        `json:"parity"`
	DTR         bool          `json:"dtr"`
	RTS         bool          `json:"rts"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// DefaultLineConfig returns 115200 8N1 with DTR and RTS raised
func DefaultLineConfig() LineConfig {
	return LineConfig{
		BaudRate: 115200,
		DataBits: 8,
		StopBits: StopBitsOne,
		Parity:   ParityNone,
		DTR:      true,
		RTS:      true,
	}
}

// LinkStats provides link-level statistics
type LinkStats struct {
	BytesRead       int64      `json:"bytes_read"`
	BytesWritten    int64      `json:"bytes_written"`
	ChunksDelivered int64      `json:"chunks_delivered"`
	WriteErrors     int64      `json:"write_errors"`
	ConnectedSince  *time.Time `json:"connected_since,omitempty"`
}

// LinkStatus is a point-in-time snapshot of the supervisor
type LinkStatus struct {
	State       LinkState         `json:"state"`
	ErrorReason ErrorReason       `json:"error_reason,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Permission  PermissionState   `json:"permission"`
	AttemptID   string            `json:"attempt_id,omitempty"`
	Device      *DeviceDescriptor `json:"device,omitempty"`
	Stats       LinkStats         `json:"stats"`
}
