package lazy

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestValueComputesOnce(t *testing.T) {
	var (
		c     Value[int]
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(func() (int, error) {
				calls.Inc()
				return 42, nil
			})
			require.NoError(t, err)
			require.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
	require.True(t, c.Done())
}

func TestValueKeepsError(t *testing.T) {
	var c Value[string]
	boom := errors.New("boom")
	_, err := c.Get(func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)
	v, err := c.Get(func() (string, error) { return "late", nil })
	require.ErrorIs(t, err, boom)
	require.Equal(t, "", v)
}

func TestMapPerKey(t *testing.T) {
	var (
		m     Map[uint16, []int]
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		key := uint16(i % 4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Get(key, func() ([]int, error) {
				calls.Inc()
				return []int{int(key)}, nil
			})
			require.NoError(t, err)
			require.Equal(t, []int{int(key)}, v)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(4), calls.Load())
	require.True(t, m.Done(3))
	require.False(t, m.Done(9))
}
