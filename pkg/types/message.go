package types

import (
	"fmt"

	"github.com/ptcsim/emp/pkg/emp"
	"github.com/ptcsim/emp/pkg/encoding"
)

// MsgType is the EMP message type tag.
type MsgType uint16

const (
	// MsgLocoStatus is sent by a locomotive to the back office.
	MsgLocoStatus MsgType = 6000
	// MsgLocoCommand is sent by the back office to a locomotive.
	MsgLocoCommand MsgType = 6001
)

func (t MsgType) String() string {
	switch t {
	case MsgLocoStatus:
		return "loco_status"
	case MsgLocoCommand:
		return "loco_command"
	default:
		return fmt.Sprintf("msg_%d", uint16(t))
	}
}

// Direction of travel along the track's milepost numbering.
type Direction string

const (
	Increasing Direction = "increasing"
	Decreasing Direction = "decreasing"
)

// LocoStatus is the fixed payload schema of MsgLocoStatus.
type LocoStatus struct {
	Sent    float64 `cbor:"sent" json:"sent"` // unix seconds
	Loco    string  `cbor:"loco" json:"loco"`
	Speed   float64 `cbor:"speed" json:"speed"`
	Heading float64 `cbor:"heading" json:"heading"`
	Lat     float64 `cbor:"lat" json:"lat"`
	Long    float64 `cbor:"long" json:"long"`
	Base    string  `cbor:"base,omitempty" json:"base,omitempty"`
}

// LocoCommand is the fixed payload schema of MsgLocoCommand.
type LocoCommand struct {
	Loco      string    `cbor:"loco" json:"loco"`
	Speed     float64   `cbor:"speed" json:"speed"`
	Direction Direction `cbor:"direction" json:"direction"`
}

func (c LocoCommand) Validate() error {
	if c.Loco == "" {
		return fmt.Errorf("loco command: loco id is required")
	}
	if c.Speed < 0 {
		return fmt.Errorf("loco command: negative speed %v", c.Speed)
	}
	if c.Direction != Increasing && c.Direction != Decreasing {
		return fmt.Errorf("loco command: unknown direction %q", c.Direction)
	}
	return nil
}

// NewStatusMessage encodes a status report from a locomotive.
func NewStatusMessage(sender, dest string, status LocoStatus, opts ...emp.Option) (*emp.Message, error) {
	payload, err := encoding.Marshal(status)
	if err != nil {
		return nil, err
	}
	return emp.New(uint16(MsgLocoStatus), sender, dest, payload, opts...)
}

// NewCommandMessage encodes a command for a locomotive.
func NewCommandMessage(sender, dest string, cmd LocoCommand, opts ...emp.Option) (*emp.Message, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", emp.ErrFormat, err)
	}
	payload, err := encoding.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return emp.New(uint16(MsgLocoCommand), sender, dest, payload, opts...)
}

// DecodeStatus extracts a LocoStatus, checking the message type first.
func DecodeStatus(msg *emp.Message) (LocoStatus, error) {
	var s LocoStatus
	if MsgType(msg.Type()) != MsgLocoStatus {
		return s, fmt.Errorf("%w: expected %s, got %s", emp.ErrFormat, MsgLocoStatus, MsgType(msg.Type()))
	}
	err := encoding.Unmarshal(msg.Payload(), &s)
	return s, err
}

// DecodeCommand extracts a LocoCommand, checking the message type first.
func DecodeCommand(msg *emp.Message) (LocoCommand, error) {
	var c LocoCommand
	if MsgType(msg.Type()) != MsgLocoCommand {
		return c, fmt.Errorf("%w: expected %s, got %s", emp.ErrFormat, MsgLocoCommand, MsgType(msg.Type()))
	}
	if err := encoding.Unmarshal(msg.Payload(), &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}
