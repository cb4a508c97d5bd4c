package paymaster

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
)

// ErrSponsorshipDenied matches any *SponsorshipDeniedError through errors.Is.
var ErrSponsorshipDenied = errors.New("paymaster: sponsorship denied")

// SponsorshipDeniedError is the paymaster declining to pay. It is an expected business
// outcome; callers usually fall back to self paying.
type SponsorshipDeniedError struct {
	Reason string
	Code   int
	err    error
}

func (e *SponsorshipDeniedError) Error() string {
	return fmt.Sprintf("paymaster: sponsorship denied (%d): %s", e.Code, e.Reason)
}

func (e *SponsorshipDeniedError) Is(target error) bool {
	return target == ErrSponsorshipDenied
}

func (e *SponsorshipDeniedError) Unwrap() error {
	return e.err
}

var (
	deniedCodes = map[int]bool{
		jsonrpc.CodeInvalidParams: true,
		-32001:                    true,
	}
	deniedMarkers = []string{
		"not sponsored",
		"sponsorship denied",
		"invalid params",
		"policy",
		"insufficient sponsorship",
	}
)

// asDenied reclassifies an RPC error as a denial, or returns nil.
func asDenied(err error) *SponsorshipDeniedError {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}

	denied := deniedCodes[rpcErr.Code]
	msg := strings.ToLower(rpcErr.Message)
	for _, marker := range deniedMarkers {
		if strings.Contains(msg, marker) {
			denied = true
			break
		}
	}
	if !denied {
		return nil
	}
	return &SponsorshipDeniedError{Reason: rpcErr.Message, Code: rpcErr.Code, err: rpcErr}
}
