package schema

import (
	"fmt"
	"strings"
)

// Journal entries live under u:<state>:<userOpHash>.
//
//	p: pending - submitted, the tracker still polls it
//	d: done - a terminal status was observed and the callback has fired
const (
	StatePending = "p"
	StateDone    = "d"
)

func UserOpStorageKey(hash, state string) []byte {
	return []byte(fmt.Sprintf("u:%s:%s", state, strings.ToLower(hash)))
}

func UserOpByStateStoragePrefix(state string) []byte {
	return []byte(fmt.Sprintf("u:%s:", state))
}
