package eventually

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = []Option{WithInterval(time.Millisecond), WithTimeout(200 * time.Millisecond)}

func counter() (func(context.Context) (int, error), *int) {
	n := 0
	return func(context.Context) (int, error) {
		n++
		return n, nil
	}, &n
}

func TestPoll_ReturnsFirstSatisfyingValue(t *testing.T) {
	probe, calls := counter()

	got, err := Poll(context.Background(), probe, Holds(func(n int) bool { return n >= 3 }), fast...)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, 3, *calls, "probe must not be called after success")
}

func TestPoll_ImmediateSuccess(t *testing.T) {
	probe, calls := counter()

	got, err := Poll(context.Background(), probe, func(int) error { return nil }, fast...)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, 1, *calls)
}

func TestPoll_RetriesProbeErrors(t *testing.T) {
	n := 0
	probe := func(context.Context) (string, error) {
		n++
		if n < 3 {
			return "", errors.New("connection refused")
		}
		return "up", nil
	}

	got, err := Poll(context.Background(), probe, Equal("up"), fast...)
	require.NoError(t, err)
	assert.Equal(t, "up", got)
	assert.Equal(t, 3, n)
}

func TestPoll_NeverTrue(t *testing.T) {
	err := True(context.Background(), func(context.Context) bool { return false }, fast...)
	require.Error(t, err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, NeverTrue, te.Reason)
	assert.Greater(t, te.Attempts, 1)
	assert.Equal(t, false, te.Last)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrNotSatisfied)
	assert.Contains(t, err.Error(), "condition never became true")
}

func TestPoll_AssertionFailed(t *testing.T) {
	probe := func(context.Context) (int, error) { return 1, nil }

	_, err := Poll(context.Background(), probe, Equal(2), fast...)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, AssertionFailed, te.Reason)
	assert.Equal(t, 1, te.Last)
	assert.Contains(t, err.Error(), "assertion still failing")
	assert.Contains(t, err.Error(), "got 1, want 2")

	var me *MismatchError
	assert.ErrorAs(t, err, &me)
}

func TestPoll_ProbeFailed(t *testing.T) {
	boom := errors.New("no such table")
	err := Succeeds(context.Background(), func(context.Context) error { return boom }, fast...)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ProbeFailed, te.Reason)
	assert.Nil(t, te.Last)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "probe still failing")
	assert.Contains(t, err.Error(), "no such table")
}

func TestPoll_LastValueSurvivesLaterProbeError(t *testing.T) {
	n := 0
	probe := func(context.Context) (int, error) {
		n++
		if n == 1 {
			return 7, nil
		}
		return 0, errors.New("flaky")
	}

	_, err := Poll(context.Background(), probe, Equal(8), fast...)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ProbeFailed, te.Reason)
	assert.Equal(t, 7, te.Last)
}

func TestPoll_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	probe := func(context.Context) (int, error) {
		n++
		if n == 2 {
			cancel()
		}
		return n, nil
	}

	_, err := Poll(ctx, probe, Holds(func(int) bool { return false }),
		WithInterval(time.Millisecond), WithTimeout(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestPoll_AlreadyCancelledDoesNotProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	probe, calls := counter()
	_, err := Poll(ctx, probe, func(int) error { return nil }, fast...)
	assert.True(t, IsTimeout(err))
	assert.Zero(t, *calls)
}

func TestPoll_RespectsTimeout(t *testing.T) {
	start := time.Now()
	err := True(context.Background(), func(context.Context) bool { return false },
		WithInterval(10*time.Millisecond), WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAssert(t *testing.T) {
	check := Assert(func(t assert.TestingT, rows [][]int) {
		assert.Len(t, rows, 2)
	})

	assert.NoError(t, check([][]int{{1}, {2}}))

	err := check([][]int{{1}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Len(t, ae.Messages, 1)
	assert.Contains(t, err.Error(), "should have 2 item(s)")
}

func TestPoll_WithAssertConverges(t *testing.T) {
	var mu sync.Mutex
	rows := [][]int{{1}}
	go func() {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		rows = append(rows, []int{2})
		mu.Unlock()
	}()

	probe := func(context.Context) ([][]int, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([][]int(nil), rows...), nil
	}
	got, err := Poll(context.Background(), probe, Assert(func(t assert.TestingT, v [][]int) {
		assert.ElementsMatch(t, [][]int{{2}, {1}}, v)
	}), WithInterval(time.Millisecond), WithTimeout(2*time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

type observation struct {
	label, outcome string
	attempts       int
}

type fakeObserver struct {
	seen []observation
}

func (f *fakeObserver) ObservePoll(label, outcome string, attempts int, _ time.Duration) {
	f.seen = append(f.seen, observation{label, outcome, attempts})
}

func TestPoll_ReportsToObserver(t *testing.T) {
	obs := &fakeObserver{}
	probe, _ := counter()

	_, err := Poll(context.Background(), probe, Holds(func(n int) bool { return n == 2 }),
		append(fast, WithMetrics(obs), WithLabel("create cache"))...)
	require.NoError(t, err)

	err = True(context.Background(), func(context.Context) bool { return false },
		append(fast, WithMetrics(obs), WithLabel("never"))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `eventually "never"`)

	require.Len(t, obs.seen, 2)
	assert.Equal(t, observation{"create cache", "ok", 2}, obs.seen[0])
	assert.Equal(t, "never_true", obs.seen[1].outcome)
}
