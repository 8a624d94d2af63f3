package bus

import (
	"time"

	"zk-attendance-bridge/internal/types"
)

// Event names pushed to the UI. Hyphenated names belong to the device
// lifecycle (discovery and connection), underscored names to the attendance
// and sync services. The split is part of the UI contract.
const (
	EventAttendanceProcessing      = "attendance_processing"
	EventAttendanceEvent           = "attendance_event"
	EventAttendanceDuplicateIgnore = "attendance_duplicate_ignored"
	EventAttendanceSavedOffline    = "attendance_saved_offline"
	EventAttendanceSaveFailed      = "attendance_save_failed"
	EventDeviceStatus              = "device_status"
	EventFingerprintFailed         = "fingerprint_failed"
	EventScanStarted               = "scan-started"
	EventDeviceDiscovered          = "device-discovered"
	EventDeviceNotFound            = "device-not-found"
	EventScanFailed                = "scan-failed"
	EventConnecting                = "connecting"
	EventDeviceConnected           = "device-connected"
	EventConnectionFailed          = "connection-failed"
	EventSyncProgress              = "sync_progress"
	EventSyncComplete              = "sync_complete"
	EventSyncError                 = "sync_error"
	EventConnectionStatus          = "connection_status"
)

// TopicAttendance is the room the UI subscribes to; every event below is
// published there.
const TopicAttendance = "attendance"

// Event is implemented by every payload pushed on the bus. EventName returns
// the wire name the UI switches on.
type Event interface {
	EventName() string
}

// AttendanceProcessing is published before enrichment, as soon as a punch is
// accepted by the dedup stage.
type AttendanceProcessing struct {
	BiometricID string    `json:"biometricId"`
	Instant     time.Time `json:"instant"`
	Source      string    `json:"source"`
}

func (AttendanceProcessing) EventName() string { return EventAttendanceProcessing }

// AttendanceEvent carries the fully enriched record after processing.
type AttendanceEvent struct {
	Record types.AttendanceRecord `json:"record"`
}

func (AttendanceEvent) EventName() string { return EventAttendanceEvent }

// AttendanceDuplicateIgnored is published when a punch lands inside the
// dedup window of a previously accepted punch for the same biometric id.
type AttendanceDuplicateIgnored struct {
	BiometricID string    `json:"biometricId"`
	Instant     time.Time `json:"instant"`
	SinceLastMs int64     `json:"sinceLastMs"`
}

func (AttendanceDuplicateIgnored) EventName() string { return EventAttendanceDuplicateIgnore }

// AttendanceSavedOffline reports that the cloud write failed and the record
// was spilled locally for later sync.
type AttendanceSavedOffline struct {
	RecordID    string `json:"recordId"`
	BiometricID string `json:"biometricId"`
	UserID      string `json:"userId"`
}

func (AttendanceSavedOffline) EventName() string { return EventAttendanceSavedOffline }

// AttendanceSaveFailed reports that both the cloud write and the local spill
// failed; the record is lost unless the caller retries.
type AttendanceSaveFailed struct {
	BiometricID string `json:"biometricId"`
	UserID      string `json:"userId"`
	Error       string `json:"error"`
}

func (AttendanceSaveFailed) EventName() string { return EventAttendanceSaveFailed }

// DeviceStatus is a point-in-time snapshot of the device session.
type DeviceStatus struct {
	Connected bool   `json:"connected"`
	IP        string `json:"ip,omitempty"`
	Port      int    `json:"port,omitempty"`
	Mock      bool   `json:"mock"`
	State     string `json:"state"`
}

func (DeviceStatus) EventName() string { return EventDeviceStatus }

// FingerprintFailed is published when the terminal reports a failed read
// (user id "0" or "-1"); no attendance record is produced.
type FingerprintFailed struct {
	DeviceID string    `json:"deviceId,omitempty"`
	Instant  time.Time `json:"instant"`
	Reason   string    `json:"reason"`
}

func (FingerprintFailed) EventName() string { return EventFingerprintFailed }

// ScanStarted announces a discovery sweep and the ranges it will cover.
type ScanStarted struct {
	Prefixes   []string `json:"prefixes"`
	Candidates int      `json:"candidates"`
}

func (ScanStarted) EventName() string { return EventScanStarted }

// DeviceDiscovered is published once per terminal found during a sweep.
type DeviceDiscovered struct {
	Device types.DiscoveredDevice `json:"device"`
}

func (DeviceDiscovered) EventName() string { return EventDeviceDiscovered }

// DeviceNotFound reports a completed sweep with no devices.
type DeviceNotFound struct {
	Prefixes  int           `json:"prefixes"`
	Probed    int           `json:"probed"`
	ElapsedMs int64         `json:"elapsedMs"`
	Elapsed   time.Duration `json:"-"`
}

func (DeviceNotFound) EventName() string { return EventDeviceNotFound }

// ScanFailed reports a sweep aborted by an internal error.
type ScanFailed struct {
	Error string `json:"error"`
}

func (ScanFailed) EventName() string { return EventScanFailed }

// Connecting is published per connection attempt.
type Connecting struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Attempt int    `json:"attempt"`
}

func (Connecting) EventName() string { return EventConnecting }

// DeviceConnected is published once a session is established and enabled.
type DeviceConnected struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Name     string `json:"name,omitempty"`
	Serial   string `json:"serialNumber,omitempty"`
	Realtime bool   `json:"realtime"`
}

func (DeviceConnected) EventName() string { return EventDeviceConnected }

// ConnectionFailed is published when all connection attempts are exhausted
// or the breaker rejects the attempt.
type ConnectionFailed struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

func (ConnectionFailed) EventName() string { return EventConnectionFailed }

// SyncProgress is published after each drained spill batch.
type SyncProgress struct {
	Batch  string `json:"batch"`
	Synced int    `json:"synced"`
	Failed int    `json:"failed"`
}

func (SyncProgress) EventName() string { return EventSyncProgress }

// SyncComplete summarizes a full drain pass.
type SyncComplete struct {
	Synced     int   `json:"synced"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

func (SyncComplete) EventName() string { return EventSyncComplete }

// SyncError reports a failed drain pass and the backoff state.
type SyncError struct {
	Error               string     `json:"error"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	PausedUntil         *time.Time `json:"pausedUntil,omitempty"`
}

func (SyncError) EventName() string { return EventSyncError }

// ConnectionStatus is published on every cloud liveness edge.
type ConnectionStatus struct {
	Online    bool      `json:"online"`
	CheckedAt time.Time `json:"checkedAt"`
}

func (ConnectionStatus) EventName() string { return EventConnectionStatus }
