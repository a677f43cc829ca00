// Package security signs computed results so that consumers can check where they came from.
package security

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// ErrSignatureMismatch is returned when a signature does not match the payload or signer.
var ErrSignatureMismatch = errors.New("signature does not match payload")

// Signature is attached to signed responses. Digest is keccak256 of the payload's JSON encoding.
type Signature struct {
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Digest    string `json:"digest"`
}

// Signer signs payloads with a secp256k1 key, Ethereum style.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded private key, with or without 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	s := &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
	logrus.Infof("Result signing enabled for %s", s.address.Hex())
	return s, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign signs the JSON encoding of payload.
func (s *Signer) Sign(payload interface{}) (Signature, error) {
	digest, err := digestOf(payload)
	if err != nil {
		return Signature{}, err
	}

	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign payload: %w", err)
	}

	return Signature{
		Signature: hexutil.Encode(sig),
		Signer:    s.address.Hex(),
		Digest:    digest.Hex(),
	}, nil
}

// Verify recovers the signer of sig over payload and checks it against sig.Signer.
func Verify(payload interface{}, sig Signature) error {
	digest, err := digestOf(payload)
	if err != nil {
		return err
	}
	if sig.Digest != "" && !strings.EqualFold(sig.Digest, digest.Hex()) {
		return fmt.Errorf("%w: digest differs", ErrSignatureMismatch)
	}

	raw, err := hexutil.Decode(sig.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}

	if !common.IsHexAddress(sig.Signer) {
		return fmt.Errorf("invalid signer address %q", sig.Signer)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != common.HexToAddress(sig.Signer) {
		return fmt.Errorf("%w: recovered %s", ErrSignatureMismatch, recovered.Hex())
	}
	return nil
}

func digestOf(payload interface{}) (common.Hash, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return crypto.Keccak256Hash(b), nil
}
