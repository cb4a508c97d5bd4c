package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

// Scheme selects what digest the account's validateUserOp expects to be signed.
type Scheme string

const (
	// SchemePersonalMessage signs keccak("\x19Ethereum Signed Message:\n32" || hash), the
	// form SimpleAccount recovers with toEthSignedMessageHash.
	SchemePersonalMessage Scheme = "personal_message"
	// SchemeRawHash signs the 32-byte hash directly.
	SchemeRawHash Scheme = "raw_hash"
)

var (
	ErrInvalidSignature = errors.New("signer: signature must be 65 bytes with v in {27,28}")
	ErrNoKey            = errors.New("signer: private key is required")
)

func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemePersonalMessage:
		return SchemePersonalMessage, nil
	case SchemeRawHash:
		return SchemeRawHash, nil
	}
	return "", fmt.Errorf("signer: unknown signature scheme %q", s)
}

func FromPrivateKeyHex(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid private key: %w", err)
	}
	return key, nil
}

// digest returns the value that is actually fed to ECDSA for hash under scheme.
func digest(hash common.Hash, scheme Scheme) []byte {
	if scheme == SchemeRawHash {
		return hash.Bytes()
	}
	return personalDigest(hash.Bytes())
}

func personalDigest(data []byte) []byte {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	return crypto.Keccak256(prefix, data)
}

// SignHash signs hash under scheme and returns r || s || v with v in {27, 28}.
func SignHash(key *ecdsa.PrivateKey, hash common.Hash, scheme Scheme) ([]byte, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	sig, err := crypto.Sign(digest(hash, scheme), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignMessage produces an EIP-191 personal_sign signature over data of any length.
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	sig, err := crypto.Sign(personalDigest(data), key)
	if err != nil {
		return nil, err
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func SignMessageAsHex(key *ecdsa.PrivateKey, data []byte) (string, error) {
	signature, err := SignMessage(key, data)
	if err != nil {
		return "", err
	}
	return common.Bytes2Hex(signature), nil
}

// RecoverAddress returns the signer of hash under scheme.
func RecoverAddress(hash common.Hash, sig []byte, scheme Scheme) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	v := sig[crypto.RecoveryIDOffset]
	if v != 27 && v != 28 {
		return common.Address{}, ErrInvalidSignature
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	normalized[crypto.RecoveryIDOffset] -= 27

	pub, err := crypto.SigToPub(digest(hash, scheme), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
