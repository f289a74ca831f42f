package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	headerSize = 12

	// PayloadSize is the size of the largest payload variant (registration).
	PayloadSize = 28

	// RecordSize is the fixed size of every request and reply.
	RecordSize = headerSize + PayloadSize

	// MaxNameLen is the number of significant bytes of a tuner name.
	MaxNameLen = 10

	nameFieldSize = 12

	// PassAllPID is the pseudo PID asking for the whole transport stream.
	PassAllPID uint16 = 0x2000
)

var (
	ErrShortRecord      = errors.New("short control record")
	ErrUnknownOperation = errors.New("unknown operation")
)

var le = binary.LittleEndian

// MarshalBinary encodes m into a RecordSize byte record.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	if err := m.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Encode writes m into buf, which must hold at least RecordSize bytes.
// Bytes of the payload area not used by the variant are zeroed.
func (m *Message) Encode(buf []byte) error {
	if len(buf) < RecordSize {
		return errors.Wrapf(ErrShortRecord, "need %d bytes, have %d", RecordSize, len(buf))
	}
	if !m.Op.Valid() {
		return errors.Wrapf(ErrUnknownOperation, "encode %s", m.Op)
	}
	le.PutUint32(buf[0:4], uint32(m.Op))
	le.PutUint32(buf[4:8], uint32(m.SessionID))
	le.PutUint32(buf[8:12], uint32(m.Result))

	payload := buf[headerSize:RecordSize]
	clear(payload)
	if m.Payload == nil {
		m.Payload = NewPayload(m.Op)
	}
	m.Payload.encode(payload)
	return nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) < RecordSize {
		return errors.Wrapf(ErrShortRecord, "need %d bytes, have %d", RecordSize, len(buf))
	}
	op := Operation(le.Uint32(buf[0:4]))
	payload := NewPayload(op)
	if payload == nil {
		return errors.Wrapf(ErrUnknownOperation, "decode %s", op)
	}
	payload.decode(buf[headerSize:RecordSize])

	m.Op = op
	m.SessionID = int32(le.Uint32(buf[4:8]))
	m.Result = Result(le.Uint32(buf[8:12]))
	m.Payload = payload
	return nil
}

// Decode parses a single record.
func Decode(buf []byte) (*Message, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return m, nil
}

// PeekHeader reads the addressing fields without validating the operation.
func PeekHeader(buf []byte) (Operation, int32, error) {
	if len(buf) < headerSize {
		return 0, 0, ErrShortRecord
	}
	return Operation(le.Uint32(buf[0:4])), int32(le.Uint32(buf[4:8])), nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s session=%d result=%d", m.Op, m.SessionID, m.Result)
}

func (p *TunePayload) encode(b []byte) { le.PutUint32(b, p.Frequency) }
func (p *TunePayload) decode(b []byte) { p.Frequency = le.Uint32(b) }

func (p *StatusPayload) encode(b []byte) { le.PutUint32(b, uint32(p.Flags)) }
func (p *StatusPayload) decode(b []byte) { p.Flags = StatusFlags(le.Uint32(b)) }

func (p *SignalPayload) encode(b []byte) { le.PutUint16(b, uint16(p.Strength)) }
func (p *SignalPayload) decode(b []byte) { p.Strength = int16(le.Uint16(b)) }

func (p *CounterPayload) encode(b []byte) { le.PutUint32(b, p.Value) }
func (p *CounterPayload) decode(b []byte) { p.Value = le.Uint32(b) }

func (p *FeedPayload) encode(b []byte) {
	le.PutUint16(b[0:2], p.PID)
	le.PutUint32(b[4:8], p.Index)
}

func (p *FeedPayload) decode(b []byte) {
	p.PID = le.Uint16(b[0:2])
	p.Index = le.Uint32(b[4:8])
}

func (p *FilterPayload) encode(b []byte) {
	le.PutUint16(b[0:2], p.PID)
	le.PutUint32(b[4:8], p.Input)
	le.PutUint32(b[8:12], uint32(p.Output))
	le.PutUint32(b[12:16], p.StreamKind)
	le.PutUint32(b[16:20], p.Flags)
}

func (p *FilterPayload) decode(b []byte) {
	p.PID = le.Uint16(b[0:2])
	p.Input = le.Uint32(b[4:8])
	p.Output = OutputKind(le.Uint32(b[8:12]))
	p.StreamKind = le.Uint32(b[12:16])
	p.Flags = le.Uint32(b[16:20])
}

func (p *RegisterPayload) encode(b []byte) {
	b[0] = p.TunerCount
	copy(b[1:1+MaxNameLen], TruncateName(p.Name))
	le.PutUint32(b[16:20], uint32(p.ID))
	le.PutUint32(b[20:24], uint32(p.Kind))
	if p.UseFullName {
		b[24] = 1
	}
}

func (p *RegisterPayload) decode(b []byte) {
	p.TunerCount = b[0]
	name := b[1 : 1+nameFieldSize]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	p.Name = TruncateName(string(name))
	p.ID = int32(le.Uint32(b[16:20]))
	p.Kind = TunerKind(le.Uint32(b[20:24]))
	p.UseFullName = b[24] != 0
}

// TruncateName cuts name to the bytes the wire carries.
func TruncateName(name string) string {
	if len(name) > MaxNameLen {
		return name[:MaxNameLen]
	}
	return name
}
