// Package ed25519signer is the reference CryptoProvider: Ed25519
// signatures over peers' well-known public keys (spec.md §6
// "CryptoProvider").
package ed25519signer

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ruvnet/issordering/internal/consensus"
)

// Signer signs with a single private key and verifies against a fixed
// set of peer public keys. cmd/issnode builds one Signer at startup and
// the node uses it for every epoch; keys do not rotate.
type Signer struct {
	self       consensus.PeerID
	privateKey ed25519.PrivateKey
	publicKeys map[consensus.PeerID]ed25519.PublicKey
}

// New builds a Signer for self, keyed by priv, able to verify messages
// from any peer in publicKeys (which must include self's own key).
func New(self consensus.PeerID, priv ed25519.PrivateKey, publicKeys map[consensus.PeerID]ed25519.PublicKey) *Signer {
	return &Signer{self: self, privateKey: priv, publicKeys: publicKeys}
}

// Sign implements consensus.CryptoProvider.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	if len(s.privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519signer: private key for %s not configured", s.self)
	}
	return ed25519.Sign(s.privateKey, data), nil
}

// Verify implements consensus.CryptoProvider.
func (s *Signer) Verify(data []byte, signature []byte, signer consensus.PeerID) error {
	pub, ok := s.publicKeys[signer]
	if !ok {
		return fmt.Errorf("ed25519signer: no known public key for peer %s", signer)
	}
	if !ed25519.Verify(pub, data, signature) {
		return fmt.Errorf("ed25519signer: signature verification failed for peer %s", signer)
	}
	return nil
}

// GenerateKeyPair is a convenience for tests and local topology bootstrap.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}
