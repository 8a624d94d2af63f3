package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToMatchingTopic(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(8, TopicAttendance)
	defer sub.Close()

	b.Publish(TopicAttendance, FingerprintFailed{Reason: "invalid id", Instant: time.Now()})

	select {
	case env := <-sub.C:
		if env.Name != EventFingerprintFailed {
			t.Errorf("event name = %q, want %q", env.Name, EventFingerprintFailed)
		}
		if env.Topic != TopicAttendance {
			t.Errorf("topic = %q, want %q", env.Topic, TopicAttendance)
		}
		if _, ok := env.Data.(FingerprintFailed); !ok {
			t.Errorf("payload type = %T, want FingerprintFailed", env.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an envelope, got none")
	}
}

func TestPublishSkipsOtherTopics(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(8, "other")
	defer sub.Close()

	b.Publish(TopicAttendance, ConnectionStatus{Online: true, CheckedAt: time.Now()})

	select {
	case env := <-sub.C:
		t.Errorf("unexpected envelope %q on topic %q", env.Name, env.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(8)
	defer sub.Close()

	b.Publish(TopicAttendance, SyncComplete{Synced: 3})
	b.Publish("other", SyncComplete{Synced: 4})

	got := 0
	timeout := time.After(time.Second)
	for got < 2 {
		select {
		case <-sub.C:
			got++
		case <-timeout:
			t.Fatalf("received %d envelopes, want 2", got)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1, TopicAttendance)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicAttendance, AttendanceProcessing{BiometricID: "7"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	stats := b.Stats()
	if stats.Dropped == 0 {
		t.Error("expected dropped events to be counted")
	}
	if stats.Published != 100 {
		t.Errorf("published = %d, want 100", stats.Published)
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(8, TopicAttendance)
	sub.Close()
	sub.Close() // idempotent

	if got := b.Stats().Subscribers; got != 0 {
		t.Errorf("subscribers after close = %d, want 0", got)
	}

	if _, open := <-sub.C; open {
		t.Error("channel still open after Close")
	}
}

func TestEventNamesMatchWireContract(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{AttendanceProcessing{}, "attendance_processing"},
		{AttendanceEvent{}, "attendance_event"},
		{AttendanceDuplicateIgnored{}, "attendance_duplicate_ignored"},
		{AttendanceSavedOffline{}, "attendance_saved_offline"},
		{AttendanceSaveFailed{}, "attendance_save_failed"},
		{DeviceStatus{}, "device_status"},
		{FingerprintFailed{}, "fingerprint_failed"},
		{ScanStarted{}, "scan-started"},
		{DeviceDiscovered{}, "device-discovered"},
		{DeviceNotFound{}, "device-not-found"},
		{ScanFailed{}, "scan-failed"},
		{Connecting{}, "connecting"},
		{DeviceConnected{}, "device-connected"},
		{ConnectionFailed{}, "connection-failed"},
		{SyncProgress{}, "sync_progress"},
		{SyncComplete{}, "sync_complete"},
		{SyncError{}, "sync_error"},
		{ConnectionStatus{}, "connection_status"},
	}

	for _, tt := range tests {
		if got := tt.event.EventName(); got != tt.want {
			t.Errorf("%T.EventName() = %q, want %q", tt.event, got, tt.want)
		}
	}
}
