package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleCollapsesBurst(t *testing.T) {
	d := New[string]()
	defer d.Stop()

	var mu sync.Mutex
	var got []int
	for i := 1; i <= 5; i++ {
		v := i
		d.Schedule("k", 20*time.Millisecond, func() {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5}, got)
	assert.Equal(t, 0, d.Pending())
}

func TestKeysAreIndependent(t *testing.T) {
	d := New[string]()
	defer d.Stop()

	var a, b atomic.Int32
	d.Schedule("a", 10*time.Millisecond, func() { a.Add(1) })
	d.Schedule("b", 10*time.Millisecond, func() { b.Add(1) })

	require.Eventually(t, func() bool {
		return a.Load() == 1 && b.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancel(t *testing.T) {
	d := New[string]()
	defer d.Stop()

	var ran atomic.Bool
	d.Schedule("k", 20*time.Millisecond, func() { ran.Store(true) })

	assert.True(t, d.IsPending("k"))
	assert.True(t, d.Cancel("k"))
	assert.False(t, d.Cancel("k"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestFlushRunsPendingNow(t *testing.T) {
	d := New[int]()
	defer d.Stop()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		d.Schedule(i, time.Hour, func() { count.Add(1) })
	}

	assert.Equal(t, 3, d.Pending())
	assert.Equal(t, 3, d.Flush())
	assert.Equal(t, int32(3), count.Load())
	assert.Equal(t, 0, d.Pending())
}

func TestFlushKey(t *testing.T) {
	d := New[string]()
	defer d.Stop()

	var count atomic.Int32
	d.Schedule("x", time.Hour, func() { count.Add(1) })
	d.Schedule("y", time.Hour, func() { count.Add(10) })

	assert.True(t, d.FlushKey("x"))
	assert.False(t, d.FlushKey("x"))
	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, 1, d.Pending())
}

func TestCancelAll(t *testing.T) {
	d := New[string]()
	defer d.Stop()

	d.Schedule("a", time.Hour, func() {})
	d.Schedule("b", time.Hour, func() {})
	assert.Equal(t, 2, d.CancelAll())
	assert.Equal(t, 0, d.Pending())
}

func TestStopRejectsNewTasks(t *testing.T) {
	d := New[string]()
	d.Schedule("a", time.Hour, func() {})
	d.Stop()
	d.Stop()

	assert.Equal(t, 0, d.Pending())
	assert.False(t, d.Schedule("b", time.Millisecond, func() { t.Error("task scheduled after Stop ran") }))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.Pending())
}
