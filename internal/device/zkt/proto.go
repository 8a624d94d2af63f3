// Package zkt binds the device driver to ZKTeco-family terminals over their
// TCP framing on port 4370. The wire format is carried over from the vendor
// protocol as implemented across the ZK SDK ecosystem, not redesigned: an
// 8-byte transport header (magic + payload length) wrapping command packets
// with a ones'-complement checksum.
package zkt

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Transport magic, shared with the discovery probe.
var headerMagic = []byte{0x50, 0x50, 0x82, 0x7D}

// Commands
const (
	cmdConnect       = 1000
	cmdExit          = 1001
	cmdEnableDevice  = 1002
	cmdDisableDevice = 1003
	cmdRegEvent      = 500
	cmdAttLogRead    = 13
	cmdUserTempRead  = 9
	cmdUserWrite     = 8
	cmdDeleteUser    = 18
	cmdGetFreeSizes  = 50
	cmdOptionsRead   = 11
	cmdGetVersion    = 1100

	replyAckOK       = 2000
	replyAckError    = 2001
	replyAckData     = 2002
	replyAckUnauth   = 2005
	replyPrepareData = 1500
	replyData        = 1501
	cmdFreeData      = 1502
)

// Event flag for realtime attendance punches.
const efAttLog = 1

// fctUser selects the user table on table reads.
const fctUser = 5

// packet is one decoded command packet.
type packet struct {
	command uint16
	session uint16
	reply   uint16
	data    []byte
}

// checksum computes the 16-bit ones'-complement checksum over the packet
// with the checksum field zeroed.
func checksum(buf []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)%2 == 1 {
		sum += uint32(buf[len(buf)-1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// encodePacket builds the inner command packet.
func encodePacket(command, session, reply uint16, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], command)
	binary.LittleEndian.PutUint16(buf[4:6], session)
	binary.LittleEndian.PutUint16(buf[6:8], reply)
	copy(buf[8:], data)
	binary.LittleEndian.PutUint16(buf[2:4], checksum(buf))
	return buf
}

// decodePacket parses and verifies the inner command packet.
func decodePacket(buf []byte) (packet, error) {
	if len(buf) < 8 {
		return packet{}, fmt.Errorf("short packet: %d bytes", len(buf))
	}
	want := binary.LittleEndian.Uint16(buf[2:4])
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	scratch[2], scratch[3] = 0, 0
	if got := checksum(scratch); got != want {
		return packet{}, fmt.Errorf("checksum mismatch: got %04x, want %04x", got, want)
	}
	return packet{
		command: binary.LittleEndian.Uint16(buf[0:2]),
		session: binary.LittleEndian.Uint16(buf[4:6]),
		reply:   binary.LittleEndian.Uint16(buf[6:8]),
		data:    buf[8:],
	}, nil
}

// writeFrame sends one packet under the transport header.
func writeFrame(conn net.Conn, timeout time.Duration, pkt []byte) error {
	frame := make([]byte, 8+len(pkt))
	copy(frame[0:4], headerMagic)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(pkt)))
	copy(frame[8:], pkt)

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(frame)
	return err
}

// readFrame reads one transport frame and decodes the packet inside.
func readFrame(conn net.Conn) (packet, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return packet{}, err
	}
	for i, b := range headerMagic {
		if header[i] != b {
			return packet{}, fmt.Errorf("bad frame magic %x", header[0:4])
		}
	}
	size := binary.LittleEndian.Uint32(header[4:8])
	if size < 8 || size > 4<<20 {
		return packet{}, fmt.Errorf("implausible frame size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return packet{}, err
	}
	return decodePacket(payload)
}

// decodeTime expands the terminal's packed timestamp. The encoding counts
// seconds within a calendar scheme of 31-day months from 2000-01-01.
func decodeTime(enc uint32, loc *time.Location) time.Time {
	second := int(enc % 60)
	enc /= 60
	minute := int(enc % 60)
	enc /= 60
	hour := int(enc % 24)
	enc /= 24
	day := int(enc%31) + 1
	enc /= 31
	month := int(enc%12) + 1
	enc /= 12
	year := int(enc) + 2000

	if loc == nil {
		loc = time.Local
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

// encodeTime packs a timestamp in the terminal's scheme; used when writing
// and by tests as the inverse of decodeTime.
func encodeTime(t time.Time) uint32 {
	return uint32(((t.Year()-2000)*12*31+(int(t.Month())-1)*31+t.Day()-1)*24*60*60 +
		(t.Hour()*60+t.Minute())*60 + t.Second())
}

// cstr returns the ASCII string up to the first NUL.
func cstr(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
