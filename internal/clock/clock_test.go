package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	assert.Equal(t, start, fc.Now())

	fc.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fc.Now())
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fc := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ch := fc.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}

	fc.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired too early")
	default:
	}

	fc.Advance(3 * time.Second)
	select {
	case now := <-ch:
		assert.Equal(t, fc.Now(), now)
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestFakeAfterZeroDuration(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	select {
	case <-fc.After(0):
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestFakeSet(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)
	ch := fc.After(time.Minute)

	fc.Set(start.Add(2 * time.Minute))

	require.Equal(t, start.Add(2*time.Minute), fc.Now())
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire on Set past deadline")
	}
}
