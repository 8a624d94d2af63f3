package zkt

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	raw := encodePacket(cmdRegEvent, 7, 3, []byte{0x01, 0x00, 0x00, 0x00})

	pkt, err := decodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(cmdRegEvent), pkt.command)
	assert.Equal(t, uint16(7), pkt.session)
	assert.Equal(t, uint16(3), pkt.reply)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, pkt.data)
}

func TestPacketRoundTripOddPayload(t *testing.T) {
	// odd-length payloads exercise the trailing-byte fold in the checksum
	raw := encodePacket(cmdOptionsRead, 1, 2, []byte("~DeviceName\x00a"))

	pkt, err := decodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(cmdOptionsRead), pkt.command)
	assert.Equal(t, []byte("~DeviceName\x00a"), pkt.data)
}

func TestDecodePacketRejectsCorruption(t *testing.T) {
	raw := encodePacket(cmdConnect, 0, 0, []byte("payload"))
	raw[len(raw)-1] ^= 0xFF

	_, err := decodePacket(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestDecodePacketRejectsShortBuffer(t *testing.T) {
	_, err := decodePacket([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short packet")
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writeFrame(client, time.Second, encodePacket(cmdGetVersion, 5, 9, nil))
	}()

	pkt, err := readFrame(server)
	require.NoError(t, err)
	assert.Equal(t, uint16(cmdGetVersion), pkt.command)
	assert.Equal(t, uint16(5), pkt.session)
	assert.Equal(t, uint16(9), pkt.reply)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write(make([]byte, 16))
	}()

	_, err := readFrame(server)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

func TestTimeCodecRoundTrip(t *testing.T) {
	for _, when := range []time.Time{
		time.Date(2025, 3, 4, 9, 15, 30, 0, time.UTC),
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2031, 12, 31, 23, 59, 59, 0, time.UTC),
	} {
		got := decodeTime(encodeTime(when), time.UTC)
		assert.True(t, when.Equal(got), "want %v, got %v", when, got)
	}
}

func TestCstrStopsAtNul(t *testing.T) {
	assert.Equal(t, "F18", cstr([]byte("F18\x00garbage")))
	assert.Equal(t, "no-nul", cstr([]byte("no-nul")))
	assert.Equal(t, "", cstr(nil))
}
