package testsupport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// Global counter for generating unique sequential IDs in tests
	testSequence uint64

	// Base timestamp to make names shorter
	baseTimestamp = time.Now().UnixNano()
)

func init() {
	// Initialize with current timestamp to ensure uniqueness across test runs
	testSequence = uint64(baseTimestamp % 1000000)
}

// NextSequence returns next unique sequence number
func NextSequence() uint64 {
	return atomic.AddUint64(&testSequence, 1)
}

// UniqueName generates a unique name with given prefix
// Example: UniqueName("test_table") -> "test_table_123456"
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, NextSequence())
}

// UniqueString generates a unique string identifier
// Useful when you need guaranteed uniqueness (uses UUID)
func UniqueString() string {
	return uuid.New().String()
}

// UniqueAddress generates a unique EVM wallet address for testing.
// The result passes common.IsHexAddress but never collides with a
// real wallet.
func UniqueAddress() string {
	return fmt.Sprintf("0x%040x", NextSequence())
}

// UniqueMarketID generates a unique market id under a protocol
// Example: UniqueMarketID("aave-v3") -> "aave-v3:asset_123456"
func UniqueMarketID(protocol string) string {
	return fmt.Sprintf("%s:asset_%d", protocol, NextSequence())
}

// UniqueSymbol generates a unique token symbol for tests
// Example: UniqueSymbol("USDC") -> "USDC_123456"
func UniqueSymbol(base string) string {
	return fmt.Sprintf("%s_%d", base, NextSequence())
}

// UniqueEventID generates a unique event ID
func UniqueEventID() string {
	return fmt.Sprintf("event_%d_%s", NextSequence(), uuid.New().String()[:8])
}
