package userop

import (
	"bytes"
	"errors"
	"fmt"
)

// SignatureLength is the size of an ECDSA signature in r || s || v form.
const SignatureLength = 65

var (
	ErrEmptySignature  = errors.New("userop: signature is empty")
	ErrDummySignature  = errors.New("userop: refusing to attach the gas estimation placeholder signature")
	ErrSignatureLength = errors.New("userop: signature must be 65 bytes")
)

var (
	dummySignatureBytes = func() []byte {
		sig := make([]byte, SignatureLength)
		sig[31] = 1  // r = 1
		sig[63] = 1  // s = 1
		sig[64] = 27 // v = 27
		return sig
	}()
)

// DummySignature returns a fresh copy of the placeholder used during gas estimation.
// It decodes as r=1, s=1, v=27 so ecrecover based validators run without reverting;
// the recovered signer is wrong, which estimation tolerates.
func DummySignature() []byte {
	return append([]byte{}, dummySignatureBytes...)
}

// IsDummySignature reports whether sig is the estimation placeholder.
func IsDummySignature(sig []byte) bool {
	return bytes.Equal(sig, dummySignatureBytes)
}

// SignedUserOperation is an operation paired with its final signature. Its fields are
// unexported so a signed operation cannot change after construction.
type SignedUserOperation struct {
	op        UserOperation
	signature []byte
}

// NewSignedUserOperation attaches signature to a copy of op.
func NewSignedUserOperation(op UserOperation, signature []byte) (*SignedUserOperation, error) {
	switch {
	case len(signature) == 0:
		return nil, ErrEmptySignature
	case IsDummySignature(signature):
		return nil, ErrDummySignature
	case len(signature) != SignatureLength:
		return nil, fmt.Errorf("%w: got %d", ErrSignatureLength, len(signature))
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	return &SignedUserOperation{
		op:        op.Copy(),
		signature: copyBytes(signature),
	}, nil
}

// UserOperation returns a copy of the unsigned fields.
func (s *SignedUserOperation) UserOperation() UserOperation {
	return s.op.Copy()
}

// Signature returns a copy of the signature.
func (s *SignedUserOperation) Signature() []byte {
	return copyBytes(s.signature)
}

func (s *SignedUserOperation) Sender() string {
	return s.op.Sender.Hex()
}

// NonceString is a display helper for logs.
func (s *SignedUserOperation) NonceString() string {
	return orZero(s.op.Nonce).String()
}
