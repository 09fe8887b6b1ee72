package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16XModemCheckValue(t *testing.T) {
	require.Equal(t, uint16(0x31C3), CRC16XModem([]byte("123456789")))
	require.Equal(t, uint16(0), CRC16XModem(nil))
}

func TestEncodePacketLayout(t *testing.T) {
	pkt, err := EncodePacket(Command{IsRequest: true, ID: 0x0199e448, Data: PassiveStateRequest})
	require.NoError(t, err)

	want, _ := hex.DecodeString("da" + "0077" + "0199e448" + "0a00" + "02200210000000001800")
	require.Equal(t, want, pkt[:len(pkt)-2])
	require.Equal(t, CRC16XModem(pkt[1:len(pkt)-2]), uint16(pkt[len(pkt)-2])<<8|uint16(pkt[len(pkt)-1]))
}

func TestReadPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, Command{IsRequest: false, ID: 7, Data: []byte{1, 2, 3}}))
	require.NoError(t, WritePacket(&buf, Command{IsRequest: true, ID: 8}))

	c, err := ReadPacket(&buf)
	require.NoError(t, err)
	require.False(t, c.IsRequest)
	require.Equal(t, uint32(7), c.ID)
	require.Equal(t, []byte{1, 2, 3}, c.Data)

	c, err = ReadPacket(&buf)
	require.NoError(t, err)
	require.True(t, c.IsRequest)
	require.Equal(t, uint32(8), c.ID)
	require.Empty(t, c.Data)

	_, err = ReadPacket(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadPacketErrors(t *testing.T) {
	pkt, err := EncodePacket(Command{ID: 1, Data: []byte{9}})
	require.NoError(t, err)

	corrupt := append([]byte(nil), pkt...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err = ReadPacket(bytes.NewReader(corrupt))
	require.True(t, errors.Is(err, ErrBadCRC))

	noMagic := append([]byte(nil), pkt...)
	noMagic[0] = 0x00
	_, err = ReadPacket(bytes.NewReader(noMagic))
	require.True(t, errors.Is(err, ErrBadMagic))

	_, err = ReadPacket(bytes.NewReader(pkt[:len(pkt)-1]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	body, _ := Command{ID: 1}.MarshalBinary()
	body[0], body[1] = 0x12, 0x34
	_, err = DecodePacket(append(append([]byte{StartMagic}, body...), byte(CRC16XModem(body)>>8), byte(CRC16XModem(body))))
	require.True(t, errors.Is(err, ErrBadDirection))

	_, err = EncodePacket(Command{Data: make([]byte, MaxDataLen+1)})
	require.True(t, errors.Is(err, ErrTooLarge))
}

func TestParsePassiveState(t *testing.T) {
	p := []byte{
		0x02, 0x00, // tag
		0x32, 0x00, // output 50
		0x1e, 0x00, // reflected 30
		0x28, 0x00, // temperature 40
		0xfe, 0xff, // input -2
		0xaa, 0xbb, // rest
	}
	s, err := ParsePassiveState(p)
	require.NoError(t, err)
	require.Equal(t, uint16(50), s.Output)
	require.Equal(t, uint16(30), s.Reflected)
	require.Equal(t, uint16(40), s.Temperature)
	require.Equal(t, int16(-2), s.Input)

	gamma := math.Pow(10, -20.0/20)
	require.InDelta(t, (1+gamma)/(1-gamma), s.VSWR, 1e-12)
}

func TestParsePassiveStateEqualPowers(t *testing.T) {
	s := PassiveState{Output: 20, Reflected: 20, Temperature: 30, Input: 3}
	raw, err := s.MarshalBinary()
	require.NoError(t, err)

	got, err := ParsePassiveState(raw)
	require.NoError(t, err)
	require.Equal(t, -1.0, got.VSWR)
	require.Equal(t, int16(3), got.Input)
}

func TestParsePassiveStateErrors(t *testing.T) {
	_, err := ParsePassiveState([]byte{0x02, 0x00, 0x01})
	require.Error(t, err)
	_, err = ParsePassiveState([]byte{0x03, 0x00, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
}

func TestActiveStatus(t *testing.T) {
	p := []byte{0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0x2b, 0x00, 0xff}
	s, err := ParseActiveStatus(p)
	require.NoError(t, err)
	require.True(t, s.IsOn)
	require.Equal(t, uint16(43), s.RequestedOutput)

	raw, err := ActiveStatus{RequestedOutput: 12}.MarshalBinary()
	require.NoError(t, err)
	got, err := ParseActiveStatus(raw)
	require.NoError(t, err)
	require.False(t, got.IsOn)
	require.Equal(t, uint16(12), got.RequestedOutput)
}

func TestSetActiveStatusLayout(t *testing.T) {
	raw, err := SetActiveStatus{IsOn: true, RequestedOutput: 0x0130}.MarshalBinary()
	require.NoError(t, err)

	want, _ := hex.DecodeString("0320" + "051000000000" + "01" + "0001003b00" + "3001" + "ff0000000000000000ff000000")
	require.Equal(t, want, raw)

	back, err := ParseSetActiveStatus(raw)
	require.NoError(t, err)
	require.True(t, back.IsOn)
	require.Equal(t, uint16(0x0130), back.RequestedOutput)

	_, err = ParseSetActiveStatus(PassiveStateRequest)
	require.Error(t, err)
}
