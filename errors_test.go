package blksnap

import (
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("snapshot_take", KindInvalid, "malformed extent")

	if err.Op != "snapshot_take" {
		t.Errorf("Expected Op=snapshot_take, got %s", err.Op)
	}
	if err.Code != KindInvalid {
		t.Errorf("Expected Code=KindInvalid, got %s", err.Code)
	}

	expected := "blksnap: malformed extent (op=snapshot_take)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("track_remove", "dev-1", KindBusy, "tracker still armed")

	if err.DeviceID != "dev-1" {
		t.Errorf("Expected DeviceID=dev-1, got %s", err.DeviceID)
	}

	expected := "blksnap: tracker still armed (op=track_remove)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestSnapshotError(t *testing.T) {
	err := NewSnapshotError("snapshot_wait_event", "snap-1", KindNotFound, "no such snapshot")

	if err.SnapshotID != "snap-1" {
		t.Errorf("Expected SnapshotID=snap-1, got %s", err.SnapshotID)
	}
	if err.Code != KindNotFound {
		t.Errorf("Expected Code=KindNotFound, got %s", err.Code)
	}
}

func TestChunkError(t *testing.T) {
	err := NewChunkError("diffarea_copy", "dev-1", 42, KindIoFailure, "read failed")

	if err.Chunk != 42 {
		t.Errorf("Expected Chunk=42, got %d", err.Chunk)
	}
}

func TestWrapError(t *testing.T) {
	inner := NewDeviceError("cbt_set", "dev-2", KindIoFailure, "write failed")
	wrapped := WrapError("tracker_submit", inner)

	if wrapped.Code != KindIoFailure {
		t.Errorf("Expected Code=KindIoFailure, got %s", wrapped.Code)
	}
	if wrapped.Op != "tracker_submit" {
		t.Errorf("Expected Op=tracker_submit, got %s", wrapped.Op)
	}
	if wrapped.DeviceID != "dev-2" {
		t.Errorf("Expected DeviceID=dev-2, got %s", wrapped.DeviceID)
	}
}

func TestIsKind(t *testing.T) {
	err := NewError("cbt_switch", KindCorrupted, "snap_number_active overflow")
	if !IsKind(err, KindCorrupted) {
		t.Error("expected IsKind to match KindCorrupted")
	}
	if IsKind(err, KindBusy) {
		t.Error("expected IsKind to not match KindBusy")
	}
}
