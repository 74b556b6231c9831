package domain

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDescriptorLayout(t *testing.T) {
	frame, err := EncodeDescriptor(Target{Host: "example.com", Port: 443})
	if err != nil {
		t.Fatalf("EncodeDescriptor: %v", err)
	}

	want := append([]byte{0x00, 0x00, 0x00, 0x0B}, []byte("example.com")...)
	want = append(want, 0x01, 0xBB)
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %x, want %x", frame, want)
	}
}

func TestEncodeDescriptorXORVector(t *testing.T) {
	// Scenario: CONNECT example.com:443 with single-byte XOR key 0x4B.
	frame, err := EncodeDescriptor(Target{Host: "example.com", Port: 443})
	if err != nil {
		t.Fatalf("EncodeDescriptor: %v", err)
	}
	for i := range frame {
		frame[i] ^= 0x4B
	}

	if len(frame) != 17 {
		t.Fatalf("frame length = %d, want 17", len(frame))
	}
	if got, want := frame[:4], []byte{0x4B, 0x4B, 0x4B, 0x40}; !bytes.Equal(got, want) {
		t.Errorf("mutated length field = %x, want %x", got, want)
	}
	for i := range frame {
		frame[i] ^= 0x4B
	}
	if string(frame[4:15]) != "example.com" {
		t.Errorf("demutated host = %q", frame[4:15])
	}
}

func TestTargetValidate(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		ok     bool
	}{
		{"ok", Target{Host: "foo.test", Port: 80}, true},
		{"max host", Target{Host: strings.Repeat("a", 255), Port: 1}, true},
		{"empty host", Target{Host: "", Port: 80}, false},
		{"oversize host", Target{Host: strings.Repeat("a", 256), Port: 80}, false},
		{"zero port", Target{Host: "foo.test", Port: 0}, false},
		{"port overflow", Target{Host: "foo.test", Port: 65536}, false},
		{"max port", Target{Host: "foo.test", Port: 65535}, true},
	}
	for _, tt := range tests {
		err := tt.target.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestSessionStateMonotonic(t *testing.T) {
	s := NewSession(3, "127.0.0.1:50000", nil)
	if s.State() != StateHandshaking {
		t.Fatalf("initial state = %v", s.State())
	}

	s.Advance(StateRelaying)
	if s.State() != StateRelaying {
		t.Fatalf("state = %v, want relaying", s.State())
	}

	// No back-edges.
	s.Advance(StateConnecting)
	if s.State() != StateRelaying {
		t.Errorf("state regressed to %v", s.State())
	}

	s.Advance(StateClosed)
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestSessionDone(t *testing.T) {
	s := NewSession(3, "peer", nil)
	select {
	case <-s.Done():
		t.Fatal("done before finish")
	default:
	}

	s.Finish()
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after finish")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}
