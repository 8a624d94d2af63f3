package zkt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/types"
)

// DriverName is the registry name of the terminal binding.
const DriverName = "zkteco"

func init() {
	device.Register(DriverName, func(cfg device.Config, logger *slog.Logger) (device.Driver, error) {
		return New(cfg, logger)
	})
}

// Driver speaks the terminal protocol over one TCP session. Command round
// trips are serialized; a reader goroutine routes solicited replies to the
// in-flight command and realtime event frames to the punch callback.
type Driver struct {
	addr         string
	dialTimeout  time.Duration
	replyTimeout time.Duration
	loc          *time.Location
	logger       *slog.Logger

	reqMu sync.Mutex // one command round trip at a time

	mu         sync.Mutex // connection state
	conn       net.Conn
	connected  bool
	sessionID  uint16
	replyID    uint16
	respCh     chan packet
	readerDone chan struct{}

	cbMu     sync.RWMutex
	callback types.PunchCallback
}

// New creates a terminal driver for the configured address.
func New(cfg device.Config, logger *slog.Logger) (*Driver, error) {
	if cfg.IP == "" {
		return nil, fmt.Errorf("device ip is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 4370
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		addr:         net.JoinHostPort(cfg.IP, fmt.Sprintf("%d", cfg.Port)),
		dialTimeout:  cfg.Timeout,
		replyTimeout: cfg.InactivityTimeout,
		loc:          time.Local,
		logger:       logger.With("driver", DriverName, "addr", net.JoinHostPort(cfg.IP, fmt.Sprintf("%d", cfg.Port))),
	}, nil
}

// Connect dials the terminal and performs the session handshake.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	d.mu.Unlock()

	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return fmt.Errorf("failed to dial terminal: %w", err)
	}

	if err := writeFrame(conn, d.dialTimeout, encodePacket(cmdConnect, 0, 0, nil)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(d.dialTimeout))
	reply, err := readFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("connect handshake failed: %w", err)
	}
	switch reply.command {
	case replyAckOK:
	case replyAckUnauth:
		conn.Close()
		return fmt.Errorf("terminal requires a comm key, which is not configured")
	default:
		conn.Close()
		return fmt.Errorf("connect rejected with command %d", reply.command)
	}

	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.sessionID = reply.session
	d.replyID = 0
	d.respCh = make(chan packet, 8)
	d.readerDone = make(chan struct{})
	go d.reader(conn, d.respCh, d.readerDone)
	d.mu.Unlock()

	d.logger.Info("Terminal session established", "session", reply.session)
	return nil
}

// Disconnect sends a best-effort exit and tears the session down. The state
// converges to closed even when the terminal hangs.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	done := d.readerDone
	wasConnected := d.connected
	d.connected = false
	d.conn = nil
	d.mu.Unlock()

	if conn == nil {
		return nil
	}
	if wasConnected {
		_ = writeFrame(conn, 2*time.Second, encodePacket(cmdExit, d.sessionID, d.nextReply(), nil))
	}
	conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			d.logger.Warn("Reader did not exit cleanly")
		}
	}
	d.logger.Info("Terminal session closed")
	return nil
}

// Connected reports whether the session is open.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// OnEvent registers the realtime punch callback.
func (d *Driver) OnEvent(cb types.PunchCallback) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.callback = cb
}

// EnableRealtime registers for attendance event pushes.
func (d *Driver) EnableRealtime(ctx context.Context) error {
	flags := make([]byte, 4)
	binary.LittleEndian.PutUint32(flags, efAttLog)

	reply, err := d.roundTrip(ctx, cmdRegEvent, flags, d.replyTimeout)
	if err != nil {
		return fmt.Errorf("failed to register realtime events: %w", err)
	}
	if reply.command != replyAckOK {
		return fmt.Errorf("realtime registration rejected with command %d", reply.command)
	}
	return nil
}

// PullLog reads the full attendance log.
func (d *Driver) PullLog(ctx context.Context) ([]device.LogEntry, error) {
	buf, err := d.readTable(ctx, cmdAttLogRead, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read attendance log: %w", err)
	}
	return parseAttLog(buf, d.loc)
}

// GetUsers reads the user table.
func (d *Driver) GetUsers(ctx context.Context) ([]device.User, error) {
	buf, err := d.readTable(ctx, cmdUserTempRead, []byte{fctUser, 0})
	if err != nil {
		return nil, fmt.Errorf("failed to read user table: %w", err)
	}
	return parseUserTable(buf)
}

// SetUser writes a user table entry.
func (d *Driver) SetUser(ctx context.Context, user device.User) error {
	if user.UID <= 0 || user.UID > 0xFFFF {
		return fmt.Errorf("invalid uid %d", user.UID)
	}
	reply, err := d.roundTrip(ctx, cmdUserWrite, encodeUser(user), d.replyTimeout)
	if err != nil {
		return fmt.Errorf("failed to write user %d: %w", user.UID, err)
	}
	if reply.command != replyAckOK {
		return fmt.Errorf("user write rejected with command %d", reply.command)
	}
	return nil
}

// DeleteUser removes a user table entry.
func (d *Driver) DeleteUser(ctx context.Context, uid int) error {
	if uid <= 0 || uid > 0xFFFF {
		return fmt.Errorf("invalid uid %d", uid)
	}
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, uint16(uid))

	reply, err := d.roundTrip(ctx, cmdDeleteUser, data, d.replyTimeout)
	if err != nil {
		return fmt.Errorf("failed to delete user %d: %w", uid, err)
	}
	if reply.command != replyAckOK {
		return fmt.Errorf("user delete rejected with command %d", reply.command)
	}
	return nil
}

// GetInfo collects the identity snapshot. Individual reads are best-effort;
// the call fails only when the terminal answers none of them.
func (d *Driver) GetInfo(ctx context.Context) (device.Info, error) {
	info := device.Info{Name: "ZKTeco Terminal"}
	got := false

	if reply, err := d.roundTrip(ctx, cmdGetVersion, nil, d.replyTimeout); err == nil && len(reply.data) > 0 {
		info.Firmware = strings.TrimSpace(cstr(reply.data))
		got = true
	}
	if v, err := d.readOption(ctx, "~DeviceName"); err == nil && v != "" {
		info.Name, info.Model = v, v
		got = true
	}
	if v, err := d.readOption(ctx, "~SerialNumber"); err == nil && v != "" {
		info.Serial = v
		got = true
	}
	if v, err := d.readOption(ctx, "~ZKFPVersion"); err == nil && v != "" {
		info.FingerprintAlgo = v
	}
	if reply, err := d.roundTrip(ctx, cmdGetFreeSizes, nil, d.replyTimeout); err == nil && len(reply.data) >= 68 {
		info.UserCount, info.LogCount, _, info.LogCapacity = parseFreeSizes(reply.data)
		got = true
	}

	if !got {
		return device.Info{}, fmt.Errorf("terminal did not answer any identity read")
	}
	return info, nil
}

// readOption fetches one "~Key=Value" option string.
func (d *Driver) readOption(ctx context.Context, key string) (string, error) {
	reply, err := d.roundTrip(ctx, cmdOptionsRead, append([]byte(key), 0), d.replyTimeout)
	if err != nil {
		return "", err
	}
	value := cstr(reply.data)
	if i := strings.IndexByte(value, '='); i >= 0 {
		value = value[i+1:]
	}
	return strings.TrimSpace(value), nil
}

// nextReply advances the reply counter.
func (d *Driver) nextReply() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replyID++
	return d.replyID
}

// roundTrip sends one command and waits for its reply.
func (d *Driver) roundTrip(ctx context.Context, cmd uint16, data []byte, timeout time.Duration) (packet, error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	return d.send(ctx, cmd, data, timeout)
}

// send assumes reqMu is held.
func (d *Driver) send(ctx context.Context, cmd uint16, data []byte, timeout time.Duration) (packet, error) {
	d.mu.Lock()
	conn := d.conn
	session := d.sessionID
	respCh := d.respCh
	done := d.readerDone
	connected := d.connected
	d.mu.Unlock()
	if !connected || conn == nil {
		return packet{}, device.ErrNotConnected
	}

	reply := d.nextReply()
	if err := writeFrame(conn, timeout, encodePacket(cmd, session, reply, data)); err != nil {
		return packet{}, fmt.Errorf("failed to send command %d: %w", cmd, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return packet{}, ctx.Err()
		case <-timer.C:
			return packet{}, fmt.Errorf("reply timeout after %v for command %d", timeout, cmd)
		case <-done:
			return packet{}, device.ErrNotConnected
		case pkt := <-respCh:
			if pkt.reply != reply && pkt.command != replyPrepareData && pkt.command != replyData {
				continue // stale reply from an abandoned round trip
			}
			return pkt, nil
		}
	}
}

// readTable performs a bulk table read, following the prepare/data flow when
// the dump does not fit one reply. The buffered chunk protocol some newer
// firmware offers for very large tables is not implemented; those terminals
// still answer the legacy prepare/data flow used here.
func (d *Driver) readTable(ctx context.Context, cmd uint16, param []byte) ([]byte, error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	// Quiet the terminal during the dump so event frames do not interleave.
	if reply, err := d.send(ctx, cmdDisableDevice, nil, d.replyTimeout); err == nil && reply.command == replyAckOK {
		defer func() {
			_, _ = d.send(context.Background(), cmdEnableDevice, nil, d.replyTimeout)
		}()
	}

	first, err := d.send(ctx, cmd, param, d.dialTimeout)
	if err != nil {
		return nil, err
	}

	switch first.command {
	case replyAckOK, replyAckData, replyData:
		return first.data, nil
	case replyPrepareData:
		// fall through to the accumulation loop below
	case replyAckError:
		return nil, fmt.Errorf("table read rejected")
	default:
		return nil, fmt.Errorf("unexpected reply command %d", first.command)
	}

	if len(first.data) < 4 {
		return nil, fmt.Errorf("malformed prepare reply")
	}
	total := int(binary.LittleEndian.Uint32(first.data[0:4]))
	if total < 0 || total > 16<<20 {
		return nil, fmt.Errorf("implausible table size %d", total)
	}

	d.mu.Lock()
	respCh := d.respCh
	done := d.readerDone
	d.mu.Unlock()

	buf := make([]byte, 0, total)
	timer := time.NewTimer(d.dialTimeout)
	defer timer.Stop()
	for len(buf) < total {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("table read timeout with %d of %d bytes", len(buf), total)
		case <-done:
			return nil, device.ErrNotConnected
		case pkt := <-respCh:
			switch pkt.command {
			case replyData:
				buf = append(buf, pkt.data...)
				timer.Reset(d.dialTimeout)
			case replyAckOK:
				// terminal finished early; keep what we have
				if len(buf) < total {
					d.logger.Warn("Table dump ended short", "got", len(buf), "want", total)
				}
				total = len(buf)
			}
		}
	}

	_, _ = d.send(context.Background(), cmdFreeData, nil, d.replyTimeout)
	return buf, nil
}

// reader routes inbound frames until the socket closes.
func (d *Driver) reader(conn net.Conn, respCh chan packet, done chan struct{}) {
	defer close(done)

	for {
		pkt, err := readFrame(conn)
		if err != nil {
			d.mu.Lock()
			if d.conn == conn {
				d.connected = false
			}
			d.mu.Unlock()
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				d.logger.Warn("Terminal connection lost", "error", err)
			}
			return
		}

		if pkt.command == cmdRegEvent {
			d.handleEvent(pkt.data)
			continue
		}

		select {
		case respCh <- pkt:
		default:
			d.logger.Debug("Dropping unsolicited frame", "command", pkt.command)
		}
	}
}

// handleEvent forwards a realtime punch to the callback. It must stay cheap;
// heavy work happens downstream of the pipeline queue.
func (d *Driver) handleEvent(data []byte) {
	id, instant := parseRealtimePunch(data, d.loc, time.Now())
	if id == "" {
		return
	}

	d.cbMu.RLock()
	cb := d.callback
	d.cbMu.RUnlock()
	if cb != nil {
		cb(types.RawPunch{
			BiometricID: id,
			Instant:     instant,
			DeviceID:    d.addr,
			Source:      types.SourceRealtime,
		})
	}
}
