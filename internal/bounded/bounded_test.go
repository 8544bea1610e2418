package bounded

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	t.Run("should preserve insertion order", func(t *testing.T) {
		r := NewRing[int](5)
		for i := 1; i <= 3; i++ {
			r.Push(i)
		}
		assert.Equal(t, []int{1, 2, 3}, r.Items())
		assert.Equal(t, 3, r.Len())
	})

	t.Run("should drop oldest when full", func(t *testing.T) {
		r := NewRing[int](3)
		for i := 1; i <= 5; i++ {
			r.Push(i)
		}
		assert.Equal(t, []int{3, 4, 5}, r.Items())
		assert.Equal(t, 3, r.Len())
		assert.Equal(t, 3, r.Cap())
	})

	t.Run("should trim to newest n", func(t *testing.T) {
		r := NewRing[int](10)
		for i := 1; i <= 6; i++ {
			r.Push(i)
		}
		r.TrimTo(2)
		assert.Equal(t, []int{5, 6}, r.Items())

		// Pushing after a trim keeps working.
		r.Push(7)
		assert.Equal(t, []int{5, 6, 7}, r.Items())
	})

	t.Run("should index oldest first", func(t *testing.T) {
		r := NewRing[string](2)
		r.Push("a")
		r.Push("b")
		r.Push("c")
		assert.Equal(t, "b", r.At(0))
		assert.Equal(t, "c", r.At(1))
		assert.Panics(t, func() { r.At(2) })
	})
}

func TestWindow(t *testing.T) {
	t.Run("should track mean over the window", func(t *testing.T) {
		w := NewWindow(3)
		assert.Zero(t, w.Mean())

		w.Add(10)
		w.Add(20)
		w.Add(30)
		assert.InDelta(t, 20.0, w.Mean(), 1e-9)

		// 10 falls out of the window.
		w.Add(60)
		assert.InDelta(t, (20.0+30.0+60.0)/3.0, w.Mean(), 1e-9)
		assert.Equal(t, 3, w.Len())
	})

	t.Run("should rebuild from samples keeping the newest", func(t *testing.T) {
		w := NewWindow(3)
		w.Fill([]float64{1, 2, 3, 4, 5})
		require.Equal(t, 3, w.Len())
		assert.Equal(t, []float64{3, 4, 5}, w.Values())
		assert.InDelta(t, 4.0, w.Mean(), 1e-9)
	})
}
