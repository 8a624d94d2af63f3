package types

import (
	"time"
)

// RawPunch represents a single fingerprint punch as reported by the device,
// before deduplication and enrichment.
type RawPunch struct {
	BiometricID string    `json:"biometricId"`
	Instant     time.Time `json:"instant"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Source      string    `json:"source"` // "realtime" or "poll"
}

// Punch sources for type safety
const (
	SourceRealtime = "realtime"
	SourcePoll     = "poll"
)

// IsScanFailedID reports whether the device-reported user id signals a failed
// fingerprint read rather than a punch.
func IsScanFailedID(biometricID string) bool {
	return biometricID == "0" || biometricID == "-1"
}

// PunchCallback defines the function signature for realtime punch callbacks.
type PunchCallback func(punch RawPunch)

// Membership status constants carried on user and attendance records
const (
	MembershipActive   = "active"
	MembershipExpired  = "expired"
	MembershipPending  = "pending"
	MembershipInactive = "inactive"
	MembershipUnknown  = "unknown"
)

// IsValidMembershipStatus checks if the provided membership status is valid
// for a stored user record.
func IsValidMembershipStatus(status string) bool {
	switch status {
	case MembershipActive, MembershipExpired, MembershipPending, MembershipInactive:
		return true
	default:
		return false
	}
}

// UserRecord is the cached projection of a member document. At most one of
// PhotoPath (offloaded to disk) or PhotoURL (remote) is populated; records
// held in memory never carry inline image bytes.
type UserRecord struct {
	ID                string     `json:"id"`
	BiometricID       string     `json:"biometricId"`
	Name              string     `json:"name"`
	PhotoPath         string     `json:"photoPath,omitempty"`
	PhotoURL          string     `json:"photoUrl,omitempty"`
	PlanID            string     `json:"planId,omitempty"`
	MembershipStatus  string     `json:"membershipStatus"`
	MembershipEndDate *time.Time `json:"membershipEndDate,omitempty"`
}

// AttendanceRecord is the enriched, immutable attendance document produced by
// the pipeline once a punch is accepted. Date is the calendar date of
// CheckInTime in the configured timezone, not UTC.
type AttendanceRecord struct {
	UserID            string     `json:"userId"`
	Name              string     `json:"name"`
	PhotoURL          string     `json:"photoUrl,omitempty"`
	BiometricID       string     `json:"biometricId"`
	CheckInTime       time.Time  `json:"checkInTime"`
	Date              string     `json:"date"`
	Status            string     `json:"status"`
	Source            string     `json:"source"`
	PlanID            string     `json:"planId,omitempty"`
	MembershipStatus  string     `json:"membershipStatus"`
	MembershipEndDate *time.Time `json:"membershipEndDate,omitempty"`
	Remarks           string     `json:"remarks,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// UnknownUserID returns the synthetic user id recorded when a biometric id
// cannot be resolved to a member.
func UnknownUserID(biometricID string) string {
	return "unknown_" + biometricID
}

// IsUnknownUser reports whether the record was produced for an unresolved
// biometric id.
func (r *AttendanceRecord) IsUnknownUser() bool {
	return len(r.UserID) > 8 && r.UserID[:8] == "unknown_"
}

// StorePath returns the document path the record is written to in the cloud
// store. Create-only semantics at this path make one record per user per day.
func (r *AttendanceRecord) StorePath() string {
	return "attendance_logs/" + r.Date + "/records/" + r.UserID
}

// Sync status constants for durable envelopes
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// DurableEnvelope wraps an attendance record for the local spill. RecordID is
// the sync identity key: requeues and drains treat two envelopes with the
// same RecordID as the same pending write.
type DurableEnvelope struct {
	RecordID         string           `json:"recordId"`
	OfflineTimestamp time.Time        `json:"offlineTimestamp"`
	SyncStatus       string           `json:"syncStatus"`
	Record           AttendanceRecord `json:"record"`
}

// UsersCacheFile is the on-disk mirror of the user cache used for offline
// lookups.
type UsersCacheFile struct {
	UpdatedAt time.Time    `json:"updatedAt"`
	Users     []UserRecord `json:"users"`
}

// DiscoveredDevice describes one terminal found by the network scanner.
// Identity fields beyond IP and port are best-effort.
type DiscoveredDevice struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	MAC      string `json:"mac,omitempty"`
	Name     string `json:"name"`
	Serial   string `json:"serialNumber,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}
