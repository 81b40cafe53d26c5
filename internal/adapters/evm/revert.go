package evm

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"
)

// panicSelector is the 4-byte selector of Panic(uint256), emitted by
// Solidity assertion failures. Error(string) is handled by abi.UnpackRevert.
var panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71}

// IsRevert reports whether err is a contract revert rather than a
// transport or node failure. Reverts carry ABI-encoded data via the
// rpc.DataError interface; some nodes only put the message in the
// error text, so the textual check stays as a fallback.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := RevertData(err); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "vm exception")
}

// RevertData extracts the raw ABI-encoded revert payload, if any.
func RevertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !asDataError(err, &de) {
		return nil, false
	}
	raw, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}
	raw = strings.TrimPrefix(raw, "0x")
	if raw == "" {
		return nil, false
	}
	data, decodeErr := hex.DecodeString(raw)
	if decodeErr != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

func asDataError(err error, target *rpc.DataError) bool {
	for err != nil {
		if de, ok := err.(rpc.DataError); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// RevertMessage returns the human-readable revert reason. For an
// Error(string) payload that is the decoded string, for Panic(uint256)
// a short marker, otherwise the trimmed node error text.
func RevertMessage(err error) string {
	if err == nil {
		return ""
	}
	if data, ok := RevertData(err); ok {
		if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
			return reason
		}
		if len(data) >= 4 && string(data[:4]) == string(panicSelector) {
			return "panic"
		}
		return "0x" + hex.EncodeToString(data)
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted:"):])
	}
	return strings.TrimSpace(msg)
}
