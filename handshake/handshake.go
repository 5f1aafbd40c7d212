// Package handshake implements the Handshake Engine (§4.F): building the
// outbound request, processing an inbound request on the accepting side,
// and validating the response on the dialing side.
//
// No direct analogue exists elsewhere in this tree (libp2p performs its own
// handshake internally), so the control-flow shape here follows the
// general "validate, collect failures, return a wrapped error" idiom seen
// in core/network.go's DialSeed.
package handshake

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/asinka/asinka/crypto"
	"github.com/asinka/asinka/pkg/errs"
	"github.com/asinka/asinka/wire"
)

// SupportedProtocols is the static protocol-version list this engine
// speaks (§4.F).
var SupportedProtocols = []string{"asinka-v1"}

// Identity is the local information the handshake needs: everything an
// embedding Client already holds in its config and security envelope.
type Identity struct {
	AppID             string
	AppName           string
	AppVersion        string
	DeviceID          string
	IdentityPublicKey []byte
	ExposedSchemas    []wire.Schema
	Capabilities      map[string]string
}

// BuildRequest populates a HandshakeRequest from the local identity (§4.F
// "Build request").
func BuildRequest(id Identity) wire.HandshakeRequest {
	return wire.HandshakeRequest{
		AppID:              id.AppID,
		AppName:            id.AppName,
		AppVersion:         id.AppVersion,
		DeviceID:           id.DeviceID,
		IdentityPublicKey:  id.IdentityPublicKey,
		SupportedProtocols: SupportedProtocols,
		ExposedSchemas:     id.ExposedSchemas,
		Capabilities:       id.Capabilities,
	}
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}

// ProcessRequest is the server-side half of §4.F: it rejects a request
// whose SupportedProtocols do not intersect ours, and otherwise mints a
// fresh session id, a fresh session key wrapped under the requester's
// identity public key, and answers with our identity. The second return
// value is the plaintext session key this side should remember for the
// session that follows; it is nil whenever the first return is not a
// success.
func ProcessRequest(req wire.HandshakeRequest, local Identity) (wire.HandshakeResponse, []byte, error) {
	if !intersects(req.SupportedProtocols, SupportedProtocols) {
		msg := fmt.Sprintf("no common protocol: peer supports %v, we support %v", req.SupportedProtocols, SupportedProtocols)
		return wire.HandshakeResponse{Success: false, ErrorMessage: msg}, nil, &errs.HandshakeRefused{Message: msg}
	}

	sessionKey, err := crypto.GenerateSessionKey()
	if err != nil {
		return wire.HandshakeResponse{}, nil, err
	}
	wrapped, err := crypto.WrapSessionKey(req.IdentityPublicKey, sessionKey)
	if err != nil {
		return wire.HandshakeResponse{}, nil, err
	}

	return wire.HandshakeResponse{
		Success:             true,
		SessionID:           uuid.NewString(),
		IdentityPublicKey:   local.IdentityPublicKey,
		ExposedSchemas:      local.ExposedSchemas,
		Capabilities:        local.Capabilities,
		EncryptedSessionKey: wrapped,
	}, sessionKey, nil
}

// Result is the outcome of ValidateResponse: exactly one of Success or
// Failure is meaningful, discriminated by Ok.
type Result struct {
	Ok                  bool
	SessionID           string
	RemotePublicKey     []byte
	RemoteSchemas       []wire.Schema
	RemoteCapabilities  map[string]string
	EncryptedSessionKey []byte
	FailureMessage      string
}

// ValidateResponse is the client-side half of §4.F: a response is a
// Success iff it reports success and carries a non-empty session id, a
// non-empty public key, and a non-empty wrapped session key; otherwise it is
// a Failure.
func ValidateResponse(resp wire.HandshakeResponse) Result {
	if !resp.Success {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "peer reported handshake failure"
		}
		return Result{Ok: false, FailureMessage: msg}
	}
	if resp.SessionID == "" {
		return Result{Ok: false, FailureMessage: "handshake response missing session id"}
	}
	if len(resp.IdentityPublicKey) == 0 {
		return Result{Ok: false, FailureMessage: "handshake response missing identity public key"}
	}
	if len(resp.EncryptedSessionKey) == 0 {
		return Result{Ok: false, FailureMessage: "handshake response missing session key"}
	}
	return Result{
		Ok:                  true,
		SessionID:           resp.SessionID,
		RemotePublicKey:     resp.IdentityPublicKey,
		RemoteSchemas:       resp.ExposedSchemas,
		RemoteCapabilities:  resp.Capabilities,
		EncryptedSessionKey: resp.EncryptedSessionKey,
	}
}
