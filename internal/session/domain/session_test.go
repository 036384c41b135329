package domain

import (
	"testing"
	"time"
)

func TestSession_Expired(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now}
	if !s.Expired(now) {
		t.Error("session should be expired exactly at expires_at")
	}
	if s.Expired(now.Add(-time.Second)) {
		t.Error("session should be live one second before expires_at")
	}
}
