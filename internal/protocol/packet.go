// Package protocol implements the amplifier TCP control protocol.
//
// Every packet on the wire is
//
//	0xDA | command | CRC16-XMODEM(command), big endian
//
// and a command is
//
//	direction (2) | id uint32 BE | length uint16 LE | data
//
// where direction is 00 77 for requests and 77 00 for responses.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// StartMagic opens every packet.
const StartMagic byte = 0xDA

// MaxDataLen bounds the payload a single command may carry.
const MaxDataLen = 1024

const commandHeaderLen = 2 + 4 + 2

var (
	requestMarker  = [2]byte{0x00, 0x77}
	responseMarker = [2]byte{0x77, 0x00}
)

var (
	// ErrBadMagic is returned when a packet does not start with StartMagic.
	ErrBadMagic = errors.New("protocol: bad start magic")
	// ErrBadCRC is returned when the packet checksum does not match.
	ErrBadCRC = errors.New("protocol: crc mismatch")
	// ErrBadDirection is returned for an unknown direction marker.
	ErrBadDirection = errors.New("protocol: unknown direction marker")
	// ErrTooLarge is returned for commands above MaxDataLen.
	ErrTooLarge = errors.New("protocol: command data too large")
)

// Command is a request to, or a response from, an amplifier.
type Command struct {
	IsRequest bool
	ID        uint32
	Data      []byte
}

// MarshalBinary encodes the command without packet framing.
func (c Command) MarshalBinary() ([]byte, error) {
	if len(c.Data) > MaxDataLen {
		return nil, ErrTooLarge
	}
	buf := make([]byte, commandHeaderLen+len(c.Data))
	marker := responseMarker
	if c.IsRequest {
		marker = requestMarker
	}
	copy(buf[0:2], marker[:])
	binary.BigEndian.PutUint32(buf[2:6], c.ID)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(c.Data)))
	copy(buf[commandHeaderLen:], c.Data)
	return buf, nil
}

// UnmarshalBinary decodes a command without packet framing.
func (c *Command) UnmarshalBinary(p []byte) error {
	if len(p) < commandHeaderLen {
		return fmt.Errorf("protocol: command too short (%d bytes)", len(p))
	}
	switch [2]byte{p[0], p[1]} {
	case requestMarker:
		c.IsRequest = true
	case responseMarker:
		c.IsRequest = false
	default:
		return fmt.Errorf("%w: % x", ErrBadDirection, p[0:2])
	}
	c.ID = binary.BigEndian.Uint32(p[2:6])
	n := int(binary.LittleEndian.Uint16(p[6:8]))
	if len(p)-commandHeaderLen < n {
		return fmt.Errorf("protocol: command data truncated: want %d bytes, have %d", n, len(p)-commandHeaderLen)
	}
	c.Data = append([]byte(nil), p[commandHeaderLen:commandHeaderLen+n]...)
	return nil
}

// EncodePacket frames a command for the wire.
func EncodePacket(c Command) ([]byte, error) {
	body, err := c.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pkt := make([]byte, 0, 1+len(body)+2)
	pkt = append(pkt, StartMagic)
	pkt = append(pkt, body...)
	pkt = binary.BigEndian.AppendUint16(pkt, CRC16XModem(body))
	return pkt, nil
}

// DecodePacket parses one complete framed packet.
func DecodePacket(pkt []byte) (Command, error) {
	var c Command
	if len(pkt) < 1+commandHeaderLen+2 {
		return c, fmt.Errorf("protocol: packet too short (%d bytes)", len(pkt))
	}
	if pkt[0] != StartMagic {
		return c, ErrBadMagic
	}
	body := pkt[1 : len(pkt)-2]
	if binary.BigEndian.Uint16(pkt[len(pkt)-2:]) != CRC16XModem(body) {
		return c, ErrBadCRC
	}
	err := c.UnmarshalBinary(body)
	return c, err
}

// WritePacket frames and writes a command.
func WritePacket(w io.Writer, c Command) error {
	pkt, err := EncodePacket(c)
	if err != nil {
		return err
	}
	_, err = w.Write(pkt)
	return err
}

// ReadPacket reads exactly one framed packet from r.
func ReadPacket(r io.Reader) (Command, error) {
	var head [1 + commandHeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Command{}, err
	}
	if head[0] != StartMagic {
		return Command{}, ErrBadMagic
	}
	n := int(binary.LittleEndian.Uint16(head[7:9]))
	if n > MaxDataLen {
		return Command{}, ErrTooLarge
	}
	pkt := make([]byte, len(head)+n+2)
	copy(pkt, head[:])
	if _, err := io.ReadFull(r, pkt[len(head):]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Command{}, err
	}
	return DecodePacket(pkt)
}

// CRC16XModem computes the CRC-16/XMODEM checksum (poly 0x1021, init 0).
func CRC16XModem(data []byte) uint16 {
	var msb, lsb byte
	for _, c := range data {
		x := c ^ msb
		x ^= x >> 4
		msb = lsb ^ (x >> 3) ^ (x << 4)
		lsb = x ^ (x << 5)
	}
	return uint16(msb)<<8 | uint16(lsb)
}
