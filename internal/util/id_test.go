package util

import (
	"regexp"
	"testing"
	"time"
)

func TestNewRoomID(t *testing.T) {
	pattern := regexp.MustCompile(`^room-1700000000000-[0-9a-z]{9}$`)
	id := newRoomIDAt(time.UnixMilli(1700000000000))
	if !pattern.MatchString(id) {
		t.Fatalf("room id %q does not match %s", id, pattern)
	}
	if NewRoomID() == NewRoomID() {
		t.Fatal("expected distinct room ids")
	}
}
