package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForEachVisitsEveryIndexOnce(t *testing.T) {
	for _, limit := range []int{0, 1, 3, 64} {
		var counts [50]int32
		ForEach(len(counts), limit, func(i int) {
			atomic.AddInt32(&counts[i], 1)
		})
		for i, c := range counts {
			assert.Equal(t, int32(1), c, "limit %d index %d", limit, i)
		}
	}
}

func TestForEachRespectsLimit(t *testing.T) {
	var running, peak int32
	ForEach(40, 4, func(int) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&running, -1)
	})
	assert.LessOrEqual(t, peak, int32(4))
}

func TestForEachRepanics(t *testing.T) {
	assert.PanicsWithValue(t, "boom", func() {
		ForEach(8, 4, func(i int) {
			if i == 5 {
				panic("boom")
			}
		})
	})
}

func TestShards(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 4}, {4, 7}, {7, 10}}, Shards(10, 3))
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}}, Shards(2, 8))
	assert.Equal(t, [][2]int{{0, 5}}, Shards(5, 0))
	assert.Nil(t, Shards(0, 2))
}

func TestDeviceCount(t *testing.T) {
	assert.GreaterOrEqual(t, DeviceCount(), 1)
	assert.NotEmpty(t, DeviceInfo())
}
