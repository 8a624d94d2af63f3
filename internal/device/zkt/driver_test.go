package zkt

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/device"
)

// fakeTerminal accepts one session and answers each command through handle.
// It speaks the real frame codec, so the driver under test is exercised
// end to end over TCP.
func fakeTerminal(t *testing.T, handle func(cmd uint16, data []byte) (uint16, []byte)) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			pkt, err := readFrame(conn)
			if err != nil {
				return
			}
			if pkt.command == cmdExit {
				_ = writeFrame(conn, time.Second, encodePacket(replyAckOK, 1, pkt.reply, nil))
				return
			}
			cmd, data := handle(pkt.command, pkt.data)
			if err := writeFrame(conn, time.Second, encodePacket(cmd, 1, pkt.reply, data)); err != nil {
				return
			}
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func testDriver(t *testing.T, ip string, port int) *Driver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(device.Config{
		IP:                ip,
		Port:              port,
		Timeout:           2 * time.Second,
		InactivityTimeout: 2 * time.Second,
	}, logger)
	require.NoError(t, err)
	return d
}

func TestDriverGetInfoCollectsIdentity(t *testing.T) {
	free := make([]byte, 68)
	binary.LittleEndian.PutUint32(free[16:20], 3)
	binary.LittleEndian.PutUint32(free[32:36], 120)
	binary.LittleEndian.PutUint32(free[64:68], 100000)

	ip, port := fakeTerminal(t, func(cmd uint16, data []byte) (uint16, []byte) {
		switch cmd {
		case cmdConnect:
			return replyAckOK, nil
		case cmdGetVersion:
			return replyAckOK, []byte("Ver 6.60\x00")
		case cmdOptionsRead:
			switch cstr(data) {
			case "~DeviceName":
				return replyAckOK, []byte("~DeviceName=F18\x00")
			case "~SerialNumber":
				return replyAckOK, []byte("~SerialNumber=ZK1234\x00")
			}
			return replyAckError, nil
		case cmdGetFreeSizes:
			return replyAckOK, free
		}
		return replyAckError, nil
	})

	d := testDriver(t, ip, port)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect(context.Background())
	require.True(t, d.Connected())

	info, err := d.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ver 6.60", info.Firmware)
	assert.Equal(t, "F18", info.Name)
	assert.Equal(t, "ZK1234", info.Serial)
	assert.Equal(t, 3, info.UserCount)
	assert.Equal(t, 120, info.LogCount)
	assert.Equal(t, 100000, info.LogCapacity)
}

func TestDriverConnectRejectsKeyedTerminal(t *testing.T) {
	ip, port := fakeTerminal(t, func(cmd uint16, data []byte) (uint16, []byte) {
		return replyAckUnauth, nil
	})

	d := testDriver(t, ip, port)
	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comm key")
	assert.False(t, d.Connected())
}

func TestDriverDisconnectIdempotent(t *testing.T) {
	ip, port := fakeTerminal(t, func(cmd uint16, data []byte) (uint16, []byte) {
		return replyAckOK, nil
	})

	d := testDriver(t, ip, port)
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Disconnect(context.Background()))
	require.NoError(t, d.Disconnect(context.Background()))
	assert.False(t, d.Connected())
}
