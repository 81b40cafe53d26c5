package testsupport

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestNextSequence_Increments(t *testing.T) {
	seq1 := NextSequence()
	seq2 := NextSequence()
	seq3 := NextSequence()

	assert.Greater(t, seq2, seq1, "Sequence should increment")
	assert.Greater(t, seq3, seq2, "Sequence should increment")
	assert.Equal(t, seq1+1, seq2, "Should increment by 1")
	assert.Equal(t, seq2+1, seq3, "Should increment by 1")
}

func TestUniqueName_GeneratesUnique(t *testing.T) {
	name1 := UniqueName("test_table")
	name2 := UniqueName("test_table")
	name3 := UniqueName("test_table")

	assert.NotEqual(t, name1, name2, "Names should be unique")
	assert.NotEqual(t, name2, name3, "Names should be unique")
	assert.NotEqual(t, name1, name3, "Names should be unique")
	assert.Contains(t, name1, "test_table_", "Should contain prefix")
}

func TestUniqueString_GeneratesUUID(t *testing.T) {
	str1 := UniqueString()
	str2 := UniqueString()

	assert.NotEqual(t, str1, str2, "Should generate unique strings")
	assert.Len(t, str1, 36, "Should be valid UUID length")
	assert.Len(t, str2, 36, "Should be valid UUID length")
}

func TestUniqueAddress_GeneratesValidUnique(t *testing.T) {
	addr1 := UniqueAddress()
	addr2 := UniqueAddress()

	assert.NotEqual(t, addr1, addr2, "Addresses should be unique")
	assert.Len(t, addr1, 42, "Should be 0x plus 40 hex chars")
	assert.True(t, common.IsHexAddress(addr1), "Should be a parseable address")
	assert.True(t, common.IsHexAddress(addr2), "Should be a parseable address")
}

func TestUniqueMarketID_PreservesProtocol(t *testing.T) {
	id1 := UniqueMarketID("aave-v3")
	id2 := UniqueMarketID("aave-v3")
	id3 := UniqueMarketID("compound-v3")

	assert.NotEqual(t, id1, id2, "Market ids should be unique")
	assert.Contains(t, id1, "aave-v3:asset_", "Should contain protocol prefix")
	assert.Contains(t, id3, "compound-v3:asset_", "Should contain protocol prefix")
}

func TestUniqueSymbol_PreservesBase(t *testing.T) {
	usdc1 := UniqueSymbol("USDC")
	usdc2 := UniqueSymbol("USDC")
	weth1 := UniqueSymbol("WETH")

	assert.NotEqual(t, usdc1, usdc2, "Symbols should be unique")
	assert.Contains(t, usdc1, "USDC_", "Should contain base")
	assert.Contains(t, weth1, "WETH_", "Should contain base")
}

func TestUniqueEventID_GeneratesUnique(t *testing.T) {
	eid1 := UniqueEventID()
	eid2 := UniqueEventID()

	assert.NotEqual(t, eid1, eid2, "Event IDs should be unique")
	assert.Contains(t, eid1, "event_", "Should contain prefix")
}

func TestConcurrentSequenceGeneration(t *testing.T) {
	const goroutines = 100
	const iterations = 100

	seen := sync.Map{}
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				seq := NextSequence()
				_, loaded := seen.LoadOrStore(seq, true)
				assert.False(t, loaded, "Sequence %d should be unique", seq)
			}
		}()
	}

	wg.Wait()
}

func TestConcurrentUniqueNames(t *testing.T) {
	const goroutines = 50
	const iterations = 50

	seen := sync.Map{}
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				name := UniqueName("test")
				_, loaded := seen.LoadOrStore(name, true)
				assert.False(t, loaded, "Name %s should be unique", name)
			}
		}()
	}

	wg.Wait()
}
