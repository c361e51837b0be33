package mssql

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_StableForIdenticalShape(t *testing.T) {
	cmd1, _ := newTestCommand(TextBatch)
	cmd1.text = "select @p1"
	cmd1.parameters.Add(&Parameter{Name: "p1", Type: TypeInt, Size: 4})

	cmd2, _ := newTestCommand(TextBatch)
	cmd2.text = "select @p1"
	cmd2.parameters.Add(&Parameter{Name: "p1", Type: TypeInt, Size: 4})

	assert.Equal(t, computeFingerprint(cmd1), computeFingerprint(cmd2))
}

func TestFingerprint_DiffersOnText(t *testing.T) {
	cmd1, _ := newTestCommand(TextBatch)
	cmd1.text = "select 1"
	cmd2, _ := newTestCommand(TextBatch)
	cmd2.text = "select 2"

	assert.NotEqual(t, computeFingerprint(cmd1), computeFingerprint(cmd2))
}

func TestQueryMetadataCache_AddThenGetIfExists(t *testing.T) {
	cache := NewQueryMetadataCache()
	cmd, _ := newTestCommand(TextBatch)
	cmd.text = "select @p1"
	p := &Parameter{Name: "p1", Type: TypeInt}
	cmd.parameters.Add(p)
	p.Cipher = &CipherMetadata{AlgorithmID: 2}

	cache.Add(cmd, true)

	p.Cipher = nil
	p.HasReceivedMetadata = false

	hit := cache.GetIfExists(cmd)
	require.True(t, hit)
	require.NotNil(t, p.Cipher)
	assert.Equal(t, uint8(2), p.Cipher.AlgorithmID)
}

func TestQueryMetadataCache_MissForUnknownFingerprint(t *testing.T) {
	cache := NewQueryMetadataCache()
	cmd, _ := newTestCommand(TextBatch)
	cmd.text = "select 1"
	assert.False(t, cache.GetIfExists(cmd))
}

func TestQueryMetadataCache_InvalidateRemovesEntry(t *testing.T) {
	cache := NewQueryMetadataCache()
	cmd, _ := newTestCommand(TextBatch)
	cmd.text = "select @p1"
	p := &Parameter{Name: "p1", Type: TypeInt, Cipher: &CipherMetadata{}}
	cmd.parameters.Add(p)

	cache.Add(cmd, true)
	require.True(t, cache.GetIfExists(cmd))

	cache.Invalidate(cmd)
	assert.False(t, cache.GetIfExists(cmd))
}

func TestQueryMetadataCache_Add_IgnoresReturnValueParams(t *testing.T) {
	cache := NewQueryMetadataCache()
	cmd, _ := newTestCommand(StoredProcedure)
	cmd.text = "dbo.proc"
	rv := &Parameter{Name: "ret", Direction: DirectionReturnValue, Cipher: &CipherMetadata{}}
	cmd.parameters.Add(rv)

	cache.Add(cmd, true)

	rv.Cipher = nil
	cache.GetIfExists(cmd)
	assert.Nil(t, rv.Cipher)
}

func TestCoalesceDescribe_CollapsesConcurrentCallers(t *testing.T) {
	cache := NewQueryMetadataCache()
	cmd, _ := newTestCommand(TextBatch)
	cmd.text = "select @p1"
	cmd.parameters.Add(&Parameter{Name: "p1", Type: TypeInt})

	var calls int
	var mu sync.Mutex
	fn := func() (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, _ := cache.coalesceDescribe(cmd, fn)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, 42, v)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, calls, 8)
	assert.GreaterOrEqual(t, calls, 1)
}
