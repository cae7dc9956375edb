// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package nrpc

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs outbound frames with an ephemeral per-session key. The key is
// generated at construction and never persisted; the relay learns its address
// through the auth_request's session_key field.
type Signer struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// NewSessionSigner generates a fresh ephemeral session key.
func NewSessionSigner() (*Signer, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("session key generation error: %w", err)
	}
	return &Signer{
		priv: priv,
		addr: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// Address is the EIP-55 checksummed address of the session key.
func (s *Signer) Address() common.Address {
	return s.addr
}

// Sign produces a recoverable ECDSA signature over the keccak digest of msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	digest := crypto.Keccak256(msg)
	return crypto.Sign(digest, s.priv)
}

// SignRequest signs the frame's req slot and attaches the signature.
func (s *Signer) SignRequest(req *Request) error {
	body, err := req.Body()
	if err != nil {
		return fmt.Errorf("error serializing request body: %w", err)
	}
	sig, err := s.Sign(body)
	if err != nil {
		return fmt.Errorf("error signing request: %w", err)
	}
	req.Sigs = append(req.Sigs, hexutil.Encode(sig))
	return nil
}

// ChecksumAddress normalizes an address string to its EIP-55 checksummed
// form. The relay's allocation validation and notification delivery are
// case-sensitive, so all participant addresses on outbound frames must pass
// through here. Unparseable input is returned unchanged.
func ChecksumAddress(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}
