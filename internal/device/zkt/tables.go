package zkt

import (
	"encoding/binary"
	"fmt"
	"time"

	"zk-attendance-bridge/internal/device"
)

// Record widths used by the TCP table dumps.
const (
	userRecordSize = 72
	attRecordSize  = 40
)

// encodeUser packs a user table entry into its 72-byte wire form:
// uid(2) role(1) password(8) name(24) card(4) group(1) reserved(8)
// userId(24).
func encodeUser(u device.User) []byte {
	buf := make([]byte, userRecordSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(u.UID))
	buf[2] = byte(u.Role)
	copy(buf[3:11], u.Password)
	copy(buf[11:35], u.Name)
	binary.LittleEndian.PutUint32(buf[35:39], uint32(u.CardNo))
	copy(buf[48:72], u.UserID)
	return buf
}

// decodeUser unpacks one 72-byte user table entry.
func decodeUser(buf []byte) (device.User, error) {
	if len(buf) < userRecordSize {
		return device.User{}, fmt.Errorf("short user record: %d bytes", len(buf))
	}
	return device.User{
		UID:      int(binary.LittleEndian.Uint16(buf[0:2])),
		Role:     int(buf[2]),
		Password: cstr(buf[3:11]),
		Name:     cstr(buf[11:35]),
		CardNo:   int(binary.LittleEndian.Uint32(buf[35:39])),
		UserID:   cstr(buf[48:57]),
	}, nil
}

// decodeAttendance unpacks one 40-byte attendance row: index(2), user id
// string(9), state bytes, packed time(4) at offset 27.
func decodeAttendance(buf []byte, loc *time.Location) (device.LogEntry, error) {
	if len(buf) < attRecordSize {
		return device.LogEntry{}, fmt.Errorf("short attendance record: %d bytes", len(buf))
	}
	return device.LogEntry{
		BiometricID: cstr(buf[2:11]),
		Instant:     decodeTime(binary.LittleEndian.Uint32(buf[27:31]), loc),
	}, nil
}

// stripSizePrefix removes the 4-byte length prefix table dumps carry when it
// is present.
func stripSizePrefix(buf []byte) []byte {
	if len(buf) >= 4 && binary.LittleEndian.Uint32(buf[0:4]) == uint32(len(buf)-4) {
		return buf[4:]
	}
	return buf
}

// parseUserTable splits a table dump into user entries.
func parseUserTable(buf []byte) ([]device.User, error) {
	buf = stripSizePrefix(buf)
	users := make([]device.User, 0, len(buf)/userRecordSize)
	for off := 0; off+userRecordSize <= len(buf); off += userRecordSize {
		u, err := decodeUser(buf[off : off+userRecordSize])
		if err != nil {
			return nil, err
		}
		if u.UID == 0 {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// parseAttLog splits a log dump into entries.
func parseAttLog(buf []byte, loc *time.Location) ([]device.LogEntry, error) {
	buf = stripSizePrefix(buf)
	entries := make([]device.LogEntry, 0, len(buf)/attRecordSize)
	for off := 0; off+attRecordSize <= len(buf); off += attRecordSize {
		e, err := decodeAttendance(buf[off:off+attRecordSize], loc)
		if err != nil {
			return nil, err
		}
		if e.BiometricID == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// parseFreeSizes extracts counters from the CMD_GET_FREE_SIZES reply, an
// array of little-endian int32 fields.
func parseFreeSizes(buf []byte) (users, records, userCap, recordCap int) {
	field := func(i int) int {
		off := i * 4
		if off+4 > len(buf) {
			return 0
		}
		return int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	}
	return field(4), field(8), field(15), field(16)
}

// parseRealtimePunch extracts the user id and instant from a realtime event
// payload. Firmware variants differ in layout; the id lives in the leading
// NUL-terminated string and the packed time, when present, at offset 26.
func parseRealtimePunch(data []byte, loc *time.Location, now time.Time) (string, time.Time) {
	end := len(data)
	if end > 9 {
		end = 9
	}
	id := cstr(data[:end])

	instant := now
	if len(data) >= 32 {
		// 6-byte calendar form: yy mm dd HH MM SS
		y, mo, d := int(data[26])+2000, int(data[27]), int(data[28])
		h, mi, s := int(data[29]), int(data[30]), int(data[31])
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 && h < 24 && mi < 60 && s < 60 {
			if loc == nil {
				loc = time.Local
			}
			instant = time.Date(y, time.Month(mo), d, h, mi, s, 0, loc)
		}
	}
	return id, instant
}
