package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Query payloads understood by the amplifier.
var (
	PassiveStateRequest = []byte{0x02, 0x20, 0x02, 0x10, 0x00, 0x00, 0x00, 0x00, 0x18, 0x00}
	ActiveStatusRequest = []byte{0x02, 0x20, 0x05, 0x10, 0x00, 0x00, 0x00, 0x00, 0x18, 0x00}
)

const statusResponseTag = 2

// PassiveState is the measured state of an amplifier.
type PassiveState struct {
	Output      uint16
	Reflected   uint16
	Temperature uint16
	Input       int16
	// VSWR is derived from output and reflected power, -1 when they are equal.
	VSWR float64
}

// ParsePassiveState decodes the response to PassiveStateRequest.
func ParsePassiveState(p []byte) (PassiveState, error) {
	var s PassiveState
	if len(p) < 10 {
		return s, fmt.Errorf("protocol: passive state too short (%d bytes)", len(p))
	}
	if tag := binary.LittleEndian.Uint16(p[0:2]); tag != statusResponseTag {
		return s, fmt.Errorf("protocol: passive state: unexpected tag %#04x", tag)
	}
	s.Output = binary.LittleEndian.Uint16(p[2:4])
	s.Reflected = binary.LittleEndian.Uint16(p[4:6])
	s.Temperature = binary.LittleEndian.Uint16(p[6:8])
	s.Input = int16(binary.LittleEndian.Uint16(p[8:10]))
	s.VSWR = -1
	if s.Reflected != s.Output {
		s.VSWR = VSWR(float64(s.Output), float64(s.Reflected))
	}
	return s, nil
}

// MarshalBinary encodes the passive state the way an amplifier answers.
func (s PassiveState) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint16(buf[0:2], statusResponseTag)
	binary.LittleEndian.PutUint16(buf[2:4], s.Output)
	binary.LittleEndian.PutUint16(buf[4:6], s.Reflected)
	binary.LittleEndian.PutUint16(buf[6:8], s.Temperature)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(s.Input))
	return buf, nil
}

// VSWR converts forward and reflected power levels (dB scale) into a
// voltage standing wave ratio.
func VSWR(output, reflected float64) float64 {
	returnLoss := output - reflected
	gamma := math.Pow(10, -returnLoss/20)
	return (1 + gamma) / (1 - gamma)
}

// ActiveStatus is the commanded state of an amplifier.
type ActiveStatus struct {
	IsOn            bool
	RequestedOutput uint16
}

// ParseActiveStatus decodes the response to ActiveStatusRequest.
func ParseActiveStatus(p []byte) (ActiveStatus, error) {
	var s ActiveStatus
	if len(p) < 10 {
		return s, fmt.Errorf("protocol: active status too short (%d bytes)", len(p))
	}
	if tag := binary.LittleEndian.Uint16(p[0:2]); tag != statusResponseTag {
		return s, fmt.Errorf("protocol: active status: unexpected tag %#04x", tag)
	}
	s.IsOn = p[2] != 0
	s.RequestedOutput = binary.LittleEndian.Uint16(p[8:10])
	return s, nil
}

// MarshalBinary encodes the active status the way an amplifier answers.
func (s ActiveStatus) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint16(buf[0:2], statusResponseTag)
	if s.IsOn {
		buf[2] = 1
	}
	binary.LittleEndian.PutUint16(buf[8:10], s.RequestedOutput)
	return buf, nil
}

// SetActiveStatus is the command that switches an amplifier and sets its
// requested output.
type SetActiveStatus struct {
	IsOn            bool
	RequestedOutput uint16
}

var (
	setActiveTag     = []byte{0x03, 0x20}
	setActivePrefix  = []byte{0x05, 0x10, 0x00, 0x00, 0x00, 0x00}
	setActiveMiddle  = []byte{0x00, 0x01, 0x00, 0x3b, 0x00}
	setActiveTrailer = []byte{0xff, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x00, 0x00, 0x00}
)

const setActiveLen = 2 + 6 + 1 + 5 + 2 + 13

// MarshalBinary builds the request payload.
func (s SetActiveStatus) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, setActiveLen)
	buf = append(buf, setActiveTag...)
	buf = append(buf, setActivePrefix...)
	if s.IsOn {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, setActiveMiddle...)
	buf = binary.LittleEndian.AppendUint16(buf, s.RequestedOutput)
	buf = append(buf, setActiveTrailer...)
	return buf, nil
}

// ParseSetActiveStatus decodes a request built by SetActiveStatus.MarshalBinary.
func ParseSetActiveStatus(p []byte) (SetActiveStatus, error) {
	var s SetActiveStatus
	if len(p) != setActiveLen {
		return s, fmt.Errorf("protocol: set active status: want %d bytes, have %d", setActiveLen, len(p))
	}
	if p[0] != setActiveTag[0] || p[1] != setActiveTag[1] {
		return s, fmt.Errorf("protocol: set active status: unexpected tag % x", p[0:2])
	}
	s.IsOn = p[8] != 0
	s.RequestedOutput = binary.LittleEndian.Uint16(p[14:16])
	return s, nil
}
