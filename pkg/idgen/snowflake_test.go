package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorUnique(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				no := gen.JobNo()
				mu.Lock()
				seen[no] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 8*500)
	assert.True(t, strings.HasPrefix(gen.PayoutNo(), "PAY"))
}

func TestNewGeneratorRejectsBadNode(t *testing.T) {
	_, err := NewGenerator(5000)
	assert.Error(t, err)
}
