// Package security holds the node's Ed25519 identity and signs audit
// journal heads with it, so a copy of the journal can be checked against
// what this node attested to.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBadSignature is returned when an attestation does not verify.
var ErrBadSignature = errors.New("attestation signature does not verify")

// NodeKey is the node's signing identity.
type NodeKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateNodeKey creates a fresh key.
func GenerateNodeKey() (*NodeKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	return &NodeKey{Public: pub, Private: priv}, nil
}

// LoadOrCreateNodeKey reads home/keys/node.{pub,key}, creating both on
// first run.
func LoadOrCreateNodeKey(home string) (*NodeKey, error) {
	dir := filepath.Join(home, "keys")
	pubPath := filepath.Join(dir, "node.pub")
	privPath := filepath.Join(dir, "node.key")

	pubHex, pubErr := os.ReadFile(pubPath)
	privHex, privErr := os.ReadFile(privPath)
	if pubErr == nil && privErr == nil {
		return decodeNodeKey(strings.TrimSpace(string(pubHex)), strings.TrimSpace(string(privHex)))
	}

	k, err := GenerateNodeKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(k.Public)), 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(k.Private)), 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return k, nil
}

func decodeNodeKey(pubHex, privHex string) (*NodeKey, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: invalid")
	}
	priv, err := hex.DecodeString(privHex)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode private key: invalid")
	}
	return &NodeKey{Public: pub, Private: priv}, nil
}

// PublicKeyHex is the hex-encoded public key.
func (k *NodeKey) PublicKeyHex() string { return hex.EncodeToString(k.Public) }

// NodeID is a short stable name derived from the public key.
func (k *NodeKey) NodeID() string { return "node-" + k.PublicKeyHex()[:16] }

// ─── Journal Attestation ────────────────────────────────────────────────────

// Attestation is a signed statement of the journal head at a moment.
type Attestation struct {
	NodeID    string    `json:"node_id"`
	PublicKey string    `json:"public_key"`
	HeadSeq   int64     `json:"head_seq"`
	Head      string    `json:"head_hash"`
	SignedAt  time.Time `json:"signed_at"`
	Signature string    `json:"signature"`
}

func (a Attestation) message() []byte {
	return []byte(fmt.Sprintf("taskvault-journal\n%d\n%s\n%d", a.HeadSeq, a.Head, a.SignedAt.UnixNano()))
}

// Attest signs the given journal head.
func (k *NodeKey) Attest(headSeq int64, head string, at time.Time) Attestation {
	a := Attestation{
		NodeID:    k.NodeID(),
		PublicKey: k.PublicKeyHex(),
		HeadSeq:   headSeq,
		Head:      head,
		SignedAt:  at.UTC(),
	}
	a.Signature = hex.EncodeToString(ed25519.Sign(k.Private, a.message()))
	return a
}

// VerifyAttestation checks a's signature against its embedded public key.
// Callers that pin a node must also compare PublicKey.
func VerifyAttestation(a Attestation) error {
	pub, err := hex.DecodeString(a.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key: %w", ErrBadSignature)
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("signature encoding: %w", ErrBadSignature)
	}
	if !ed25519.Verify(pub, a.message(), sig) {
		return ErrBadSignature
	}
	return nil
}
