package application

import (
	"encoding/binary"
	"testing"

	"cvpn/internal/config"
	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/network"
)

func stubRemoteServer(t *testing.T) *RemoteServer {
	t.Helper()
	cfg := config.Default()
	a := &acceptor{
		name:     "remote-test",
		log:      testLogger(),
		registry: NewRegistry(),
		cipher:   testCipher(t),
	}
	return &RemoteServer{acceptor: a, cfg: &cfg}
}

func TestReadDescriptor(t *testing.T) {
	s := stubRemoteServer(t)
	a, b := socketPair(t)

	frame, err := domain.EncodeDescriptor(domain.Target{Host: "example.com", Port: 443})
	if err != nil {
		t.Fatal(err)
	}
	s.cipher.Encrypt(frame)
	if err := network.WriteFull(a, frame, nil); err != nil {
		t.Fatal(err)
	}

	sess := domain.NewSession(b, "test", s.cipher)
	target, ok := s.readDescriptor(sess)
	if !ok {
		t.Fatal("readDescriptor failed on valid frame")
	}
	if target.Host != "example.com" || target.Port != 443 {
		t.Errorf("target = %+v", target)
	}
}

func TestReadDescriptorRejectsZeroLength(t *testing.T) {
	s := stubRemoteServer(t)
	a, b := socketPair(t)

	hdr := make([]byte, 4) // host_len == 0
	s.cipher.Encrypt(hdr)
	network.WriteFull(a, hdr, nil)

	sess := domain.NewSession(b, "test", s.cipher)
	if _, ok := s.readDescriptor(sess); ok {
		t.Error("zero host length accepted")
	}
}

func TestReadDescriptorRejectsOversizeLength(t *testing.T) {
	s := stubRemoteServer(t)
	a, b := socketPair(t)

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, 256) // one past the cap
	s.cipher.Encrypt(hdr)
	network.WriteFull(a, hdr, nil)

	sess := domain.NewSession(b, "test", s.cipher)
	if _, ok := s.readDescriptor(sess); ok {
		t.Error("oversize host length accepted")
	}
}

func TestReadDescriptorRejectsZeroPort(t *testing.T) {
	s := stubRemoteServer(t)
	a, b := socketPair(t)

	frame := make([]byte, 4+3+2)
	binary.BigEndian.PutUint32(frame, 3)
	copy(frame[4:], "foo")
	// port stays 0
	s.cipher.Encrypt(frame)
	network.WriteFull(a, frame, nil)

	sess := domain.NewSession(b, "test", s.cipher)
	if _, ok := s.readDescriptor(sess); ok {
		t.Error("zero port accepted")
	}
}
