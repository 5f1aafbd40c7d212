package crypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	plaintext := []byte("hello asinka")
	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	key1, _ := GenerateSessionKey()
	key2, _ := GenerateSessionKey()
	sealed, err := Seal([]byte("secret"), key1)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(sealed, key2); err == nil {
		t.Fatalf("expected open with wrong key to fail")
	}
}

func TestSealNoncesAreUnique(t *testing.T) {
	key, _ := GenerateSessionKey()
	a, _ := Seal([]byte("m"), key)
	b, _ := Seal([]byte("m"), key)
	if string(a.Nonce) == string(b.Nonce) {
		t.Fatalf("expected distinct nonces across calls")
	}
}

func TestSignVerify(t *testing.T) {
	env, err := New(nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	data := []byte("message to sign")
	sig, err := env.Sign(data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub, err := env.IdentityPublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if !env.Verify(data, sig, pub) {
		t.Fatalf("expected signature to verify")
	}
	if env.Verify([]byte("tampered"), sig, pub) {
		t.Fatalf("expected verify to fail on tampered data")
	}
	other, err := New(nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	otherPub, _ := other.IdentityPublicKey()
	if env.Verify(data, sig, otherPub) {
		t.Fatalf("expected verify to fail against a non-signer key")
	}
}

func TestVerifyNeverPanicsOnGarbageKey(t *testing.T) {
	env, _ := New(nil)
	if env.Verify([]byte("x"), []byte("y"), []byte("not a key")) {
		t.Fatalf("expected verify to return false on malformed key")
	}
}

func TestWrapUnwrapSessionKeyRoundTrip(t *testing.T) {
	env, err := New(nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	pub, err := env.IdentityPublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	sessionKey, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	wrapped, err := WrapSessionKey(pub, sessionKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := env.UnwrapSessionKey(wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if string(got) != string(sessionKey) {
		t.Fatalf("round trip mismatch: got %x want %x", got, sessionKey)
	}
}

func TestUnwrapSessionKeyFailsWithWrongEnvelope(t *testing.T) {
	env, _ := New(nil)
	other, _ := New(nil)
	pub, _ := env.IdentityPublicKey()
	sessionKey, _ := GenerateSessionKey()
	wrapped, err := WrapSessionKey(pub, sessionKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := other.UnwrapSessionKey(wrapped); err == nil {
		t.Fatalf("expected unwrap with the wrong envelope to fail")
	}
}

func TestDeriveConfirmationIsDeterministicAndKeyed(t *testing.T) {
	sessionKey, _ := GenerateSessionKey()
	transcript := []byte("session-1")
	a, err := DeriveConfirmation(sessionKey, transcript)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveConfirmation(sessionKey, transcript)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected the same session key and transcript to derive the same confirmation")
	}
	other, _ := GenerateSessionKey()
	c, err := DeriveConfirmation(other, transcript)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if string(a) == string(c) {
		t.Fatalf("expected different session keys to derive different confirmations")
	}
}
