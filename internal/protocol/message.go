// Package protocol defines the fixed-size control record exchanged between
// the privileged host and the unprivileged controller.
package protocol

import "fmt"

// Operation selects the payload variant of a record. Values are part of the
// wire format.
type Operation uint32

const (
	OpReadStatus Operation = iota
	OpReadBER
	OpReadUncorrectedBlocks
	OpTune
	OpReadSignalStrength
	OpStartFeed
	OpStopFeed
	OpSetFilter
	OpRegisterTuner
)

var operationNames = map[Operation]string{
	OpReadStatus:            "read_status",
	OpReadBER:               "read_ber",
	OpReadUncorrectedBlocks: "read_uncorrected_blocks",
	OpTune:                  "tune",
	OpReadSignalStrength:    "read_signal_strength",
	OpStartFeed:             "start_feed",
	OpStopFeed:              "stop_feed",
	OpSetFilter:             "set_filter",
	OpRegisterTuner:         "register_tuner",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", uint32(o))
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	_, ok := operationNames[o]
	return ok
}

// Result is the execution outcome the controller stamps into a reply.
type Result int32

const (
	ResultOK Result = iota
	ResultDeviceError
)

// TunerKind is the delivery system of a tuner.
type TunerKind int32

const (
	KindUnset TunerKind = iota
	KindCableQAM
	KindTerrestrial
	KindATSC
)

func (k TunerKind) String() string {
	switch k {
	case KindCableQAM:
		return "DVB-C"
	case KindTerrestrial:
		return "DVB-T"
	case KindATSC:
		return "ATSC"
	default:
		return "unset"
	}
}

// ParseTunerKind accepts the names used in configuration files.
func ParseTunerKind(s string) (TunerKind, bool) {
	switch s {
	case "DVB-C", "dvb-c", "dvbc":
		return KindCableQAM, true
	case "DVB-T", "dvb-t", "dvbt":
		return KindTerrestrial, true
	case "ATSC", "atsc":
		return KindATSC, true
	}
	return KindUnset, false
}

// StatusFlags is the frontend lock bitset.
type StatusFlags uint32

const (
	HasSignal StatusFlags = 1 << iota
	HasCarrier
	HasViterbi
	HasSync
	HasLock

	FullLock = HasSignal | HasCarrier | HasViterbi | HasSync | HasLock
)

func (s StatusFlags) Has(flag StatusFlags) bool {
	return s&flag == flag
}

func (s StatusFlags) String() string {
	if s == 0 {
		return "none"
	}
	names := []struct {
		flag StatusFlags
		name string
	}{
		{HasSignal, "signal"},
		{HasCarrier, "carrier"},
		{HasViterbi, "viterbi"},
		{HasSync, "sync"},
		{HasLock, "lock"},
	}
	out := ""
	for _, n := range names {
		if s.Has(n.flag) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// OutputKind is the destination of a PES filter.
type OutputKind uint32

const (
	OutputDecoder OutputKind = iota
	OutputTap
	OutputTSTap
	OutputTSDemuxTap
)

// Message is one control record. Payload holds the variant selected by Op.
type Message struct {
	Op        Operation
	SessionID int32
	Result    Result
	Payload   Payload
}

// Payload is implemented by every record variant.
type Payload interface {
	encode(b []byte)
	decode(b []byte)
}

type TunePayload struct {
	Frequency uint32
}

type StatusPayload struct {
	Flags StatusFlags
}

// SignalPayload carries the 16-bit strength as the signed value the
// frontend API uses; Unsigned returns the 0..65535 reading.
type SignalPayload struct {
	Strength int16
}

func (p *SignalPayload) Unsigned() uint16 {
	return uint16(p.Strength)
}

type CounterPayload struct {
	Value uint32
}

type FeedPayload struct {
	PID   uint16
	Index uint32
}

type FilterPayload struct {
	PID        uint16
	Input      uint32
	Output     OutputKind
	StreamKind uint32
	Flags      uint32
}

type RegisterPayload struct {
	TunerCount  uint8
	Name        string
	ID          int32
	Kind        TunerKind
	UseFullName bool
}

// NewPayload returns an empty payload for op, or nil for unknown operations.
func NewPayload(op Operation) Payload {
	switch op {
	case OpTune:
		return &TunePayload{}
	case OpReadStatus:
		return &StatusPayload{}
	case OpReadSignalStrength:
		return &SignalPayload{}
	case OpReadBER, OpReadUncorrectedBlocks:
		return &CounterPayload{}
	case OpStartFeed, OpStopFeed:
		return &FeedPayload{}
	case OpSetFilter:
		return &FilterPayload{}
	case OpRegisterTuner:
		return &RegisterPayload{}
	}
	return nil
}

// NewMessage builds a request for session with an empty payload.
func NewMessage(op Operation, sessionID int32) *Message {
	return &Message{Op: op, SessionID: sessionID, Payload: NewPayload(op)}
}
