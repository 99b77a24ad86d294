package pairing

import (
	"bytes"
	"errors"
	"testing"
)

const (
	testListenerID = "listener-1"
	testMonitorFP  = "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44"
)

func runExchange(t *testing.T, proverSecret, verifierSecret string) (*Prover, *VerifierSession) {
	t.Helper()
	p, err := NewProver(proverSecret, testListenerID, testMonitorFP)
	if err != nil {
		t.Fatalf("NewProver failed: %v", err)
	}
	v, err := NewVerifierSession(verifierSecret, testListenerID, testMonitorFP)
	if err != nil {
		t.Fatalf("NewVerifierSession failed: %v", err)
	}
	if err := v.Finish(p.Share()); err != nil {
		t.Fatalf("verifier Finish failed: %v", err)
	}
	if err := p.Finish(v.Share()); err != nil {
		t.Fatalf("prover Finish failed: %v", err)
	}
	return p, v
}

func TestSPAKE2PlusBasicExchange(t *testing.T) {
	p, v := runExchange(t, "123456", "123456")

	if !bytes.Equal(p.SharedSecret(), v.SharedSecret()) {
		t.Errorf("shared secrets don't match:\nprover:   %x\nverifier: %x", p.SharedSecret(), v.SharedSecret())
	}
	if len(p.SharedSecret()) != SharedSecretSize {
		t.Errorf("shared secret size = %d, want %d", len(p.SharedSecret()), SharedSecretSize)
	}
	if err := v.VerifyPeerConfirmation(p.Confirmation()); err != nil {
		t.Errorf("verifier rejected prover confirmation: %v", err)
	}
	if err := p.VerifyPeerConfirmation(v.Confirmation()); err != nil {
		t.Errorf("prover rejected verifier confirmation: %v", err)
	}
}

func TestSPAKE2PlusWrongPIN(t *testing.T) {
	p, v := runExchange(t, "654321", "123456")

	if bytes.Equal(p.SharedSecret(), v.SharedSecret()) {
		t.Error("shared secrets should differ with the wrong PIN")
	}
	if err := v.VerifyPeerConfirmation(p.Confirmation()); !errors.Is(err, ErrConfirmationFailed) {
		t.Errorf("expected ErrConfirmationFailed, got %v", err)
	}
}

func TestSPAKE2PlusContextBinding(t *testing.T) {
	p, err := NewProver("123456", testListenerID, testMonitorFP)
	if err != nil {
		t.Fatal(err)
	}
	// Same PIN, different monitor: the secrets must not agree.
	v, err := NewVerifierSession("123456", testListenerID, "00"+testMonitorFP[2:])
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Finish(p.Share()); err != nil {
		t.Fatal(err)
	}
	if err := p.Finish(v.Share()); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(p.SharedSecret(), v.SharedSecret()) {
		t.Error("exchange should depend on the monitor identity")
	}
}

func TestSPAKE2PlusFromVerifier(t *testing.T) {
	ver, err := GenerateVerifier("123456", testListenerID, testMonitorFP)
	if err != nil {
		t.Fatalf("GenerateVerifier failed: %v", err)
	}
	p, err := NewProver("123456", testListenerID, testMonitorFP)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifierSessionFromVerifier(ver, testListenerID, testMonitorFP)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Finish(p.Share()); err != nil {
		t.Fatal(err)
	}
	if err := p.Finish(v.Share()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p.SharedSecret(), v.SharedSecret()) {
		t.Error("shared secrets don't match")
	}
}

func TestSPAKE2PlusInvalidShare(t *testing.T) {
	v, err := NewVerifierSession("123456", testListenerID, testMonitorFP)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Finish([]byte{0x04, 0x01, 0x02}); !errors.Is(err, ErrInvalidShare) {
		t.Errorf("expected ErrInvalidShare, got %v", err)
	}
}

func TestSPAKE2PlusSharesAreRandom(t *testing.T) {
	a, _ := NewProver("123456", testListenerID, testMonitorFP)
	b, _ := NewProver("123456", testListenerID, testMonitorFP)
	if bytes.Equal(a.Share(), b.Share()) {
		t.Error("two provers produced the same share")
	}
}
