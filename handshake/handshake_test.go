package handshake

import (
	"testing"

	"github.com/asinka/asinka/crypto"
	"github.com/asinka/asinka/wire"
)

func testPeerKey(t *testing.T) []byte {
	t.Helper()
	env, err := crypto.New(nil)
	if err != nil {
		t.Fatalf("generate peer identity: %v", err)
	}
	pub, err := env.IdentityPublicKey()
	if err != nil {
		t.Fatalf("peer public key: %v", err)
	}
	return pub
}

func TestProcessRequestSuccess(t *testing.T) {
	peerKey := testPeerKey(t)
	req := BuildRequest(Identity{AppID: "peer-a", IdentityPublicKey: peerKey})
	resp, sessionKey, err := ProcessRequest(req, Identity{IdentityPublicKey: []byte{4, 5, 6}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.SessionID == "" || len(resp.IdentityPublicKey) == 0 {
		t.Fatalf("expected successful response with session id and key, got %+v", resp)
	}
	if len(resp.EncryptedSessionKey) == 0 {
		t.Fatalf("expected a wrapped session key in the response")
	}
	if len(sessionKey) == 0 {
		t.Fatalf("expected a plaintext session key to be returned")
	}
}

func TestProcessRequestRefusesOnProtocolMismatch(t *testing.T) {
	req := wire.HandshakeRequest{SupportedProtocols: []string{"asinka-v99"}}
	resp, sessionKey, err := ProcessRequest(req, Identity{})
	if err == nil {
		t.Fatalf("expected error on protocol mismatch")
	}
	if resp.Success {
		t.Fatalf("expected unsuccessful response")
	}
	if sessionKey != nil {
		t.Fatalf("expected no session key on a refused request")
	}
}

func TestValidateResponseSuccess(t *testing.T) {
	resp := wire.HandshakeResponse{Success: true, SessionID: "s1", IdentityPublicKey: []byte{1}, EncryptedSessionKey: []byte{2, 3}}
	result := ValidateResponse(resp)
	if !result.Ok || result.SessionID != "s1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestValidateResponseFailsOnMissingSessionID(t *testing.T) {
	resp := wire.HandshakeResponse{Success: true, IdentityPublicKey: []byte{1}, EncryptedSessionKey: []byte{2}}
	result := ValidateResponse(resp)
	if result.Ok {
		t.Fatalf("expected failure on missing session id")
	}
}

func TestValidateResponseFailsOnMissingPublicKey(t *testing.T) {
	resp := wire.HandshakeResponse{Success: true, SessionID: "s1", EncryptedSessionKey: []byte{2}}
	result := ValidateResponse(resp)
	if result.Ok {
		t.Fatalf("expected failure on missing public key")
	}
}

func TestValidateResponseFailsOnMissingSessionKey(t *testing.T) {
	resp := wire.HandshakeResponse{Success: true, SessionID: "s1", IdentityPublicKey: []byte{1}}
	result := ValidateResponse(resp)
	if result.Ok {
		t.Fatalf("expected failure on missing session key")
	}
}

func TestValidateResponseFailsOnExplicitFailure(t *testing.T) {
	resp := wire.HandshakeResponse{Success: false, ErrorMessage: "nope"}
	result := ValidateResponse(resp)
	if result.Ok || result.FailureMessage != "nope" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
