// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package protocol

import (
	"errors"
	"testing"
)

func TestParseActionAddUser(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"action","action":"add-user","username":"test_user","sudo":false,"mid":"M1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a, ok := msg.(*ActionMessage)
	if !ok {
		t.Fatalf("expected *ActionMessage, got %T", msg)
	}
	if a.MID != "M1" || a.Action != ActionAddUser || a.Username != "test_user" || a.Sudo {
		t.Fatalf("unexpected fields: %+v", a)
	}
}

func TestParseFeedbackRoundTrip(t *testing.T) {
	original := NewFeedback("M1", StatusSuccess, "created")
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fb, ok := msg.(*FeedbackMessage)
	if !ok {
		t.Fatalf("expected *FeedbackMessage, got %T", msg)
	}
	if fb.MID != original.MID || fb.Status != original.Status || fb.Feedback != original.Feedback {
		t.Fatalf("round trip mismatch: got %+v want %+v", fb, original)
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"bogus","mid":"M1"}`))
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MessageError, got %v", err)
	}
}

func TestParseRejectsUnknownAction(t *testing.T) {
	_, err := Parse([]byte(`{"type":"action","action":"delete-everything","username":"bob","mid":"M1"}`))
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MessageError, got %v", err)
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MessageError, got %v", err)
	}
}

func TestParseRejectsInvalidStatus(t *testing.T) {
	_, err := Parse([]byte(`{"type":"feedback","mid":"M1","status":999,"feedback":"x"}`))
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MessageError, got %v", err)
	}
}

func TestValidUsername(t *testing.T) {
	accept := []string{"root", "a_b_1", "_x"}
	for _, u := range accept {
		if !ValidUsername(u) {
			t.Errorf("expected %q to be accepted", u)
		}
	}

	reject := []string{"Root", "", "@user", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	for _, u := range reject {
		if ValidUsername(u) {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

func TestParseRejectsInvalidUsername(t *testing.T) {
	_, err := Parse([]byte(`{"type":"action","action":"add-user","username":"Root","sudo":false,"mid":"M1"}`))
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MessageError, got %v", err)
	}
}

func TestParseRejectsBadPublicKey(t *testing.T) {
	_, err := Parse([]byte(`{"type":"action","action":"add-key","username":"bob","public_key":"not-a-key","mid":"M1"}`))
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MessageError, got %v", err)
	}
}

func TestParseAcceptsValidPublicKey(t *testing.T) {
	key := `ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABgQC test@host`
	msg, err := Parse([]byte(`{"type":"action","action":"add-key","username":"bob","public_key":"` + key + `","mid":"M1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a := msg.(*ActionMessage)
	if a.PublicKey != key {
		t.Fatalf("got %q want %q", a.PublicKey, key)
	}
}

func TestParseStatusMessage(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"status","mid":"M1","cpu_percent":12.5,"mem_percent":40.1,"disk_percent":60.0}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, ok := msg.(*StatusMessage)
	if !ok {
		t.Fatalf("expected *StatusMessage, got %T", msg)
	}
	if s.CPUPercent != 12.5 {
		t.Fatalf("got %v want 12.5", s.CPUPercent)
	}
}
