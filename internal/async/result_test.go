package async

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_Fulfilled(t *testing.T) {
	r := Go(context.Background(), func(context.Context) (int, error) {
		return 42, nil
	})

	v, err := r.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, Fulfilled, r.State())
}

func TestGo_Rejected(t *testing.T) {
	boom := errors.New("boom")
	r := Go(context.Background(), func(context.Context) (string, error) {
		return "ignored", boom
	})

	_, err := r.Wait()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Rejected, r.State())
}

func TestGo_PanicRejects(t *testing.T) {
	r := Go(context.Background(), func(context.Context) (int, error) {
		panic("transform exploded")
	})

	_, err := r.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transform exploded")
}

func TestResult_PendingUntilSettled(t *testing.T) {
	r, settle := New[int]()
	assert.Equal(t, Pending, r.State())

	select {
	case <-r.Done():
		t.Fatal("Done closed before settle")
	default:
	}

	assert.True(t, settle(1, nil))
	<-r.Done()
	assert.Equal(t, Fulfilled, r.State())
}

func TestResult_SettlesOnce(t *testing.T) {
	r, settle := New[int]()

	assert.True(t, settle(1, nil))
	assert.False(t, settle(2, nil))
	assert.False(t, settle(0, errors.New("late")))

	v, err := r.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestResult_AwaitContext(t *testing.T) {
	r, settle := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Pending, r.State(), "await timeout does not settle the result")

	settle(5, nil)
	v, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestResult_OnSuccessAndOnFailure(t *testing.T) {
	got := make(chan int, 1)
	failed := make(chan error, 1)

	Fulfill(7).
		OnSuccess(func(v int) { got <- v }).
		OnFailure(func(err error) { failed <- err })

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("OnSuccess not called")
	}

	boom := errors.New("boom")
	Reject[int](boom).
		OnSuccess(func(int) { t.Error("OnSuccess called on rejection") }).
		OnFailure(func(err error) { failed <- err })

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("OnFailure not called")
	}
}

func TestThen(t *testing.T) {
	r := Then(Fulfill(21), func(v int) (string, error) {
		return strconv.Itoa(v * 2), nil
	})
	v, err := r.Wait()
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	boom := errors.New("boom")
	called := false
	r = Then(Reject[int](boom), func(int) (string, error) {
		called = true
		return "", nil
	})
	_, err = r.Wait()
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "fulfilled", Fulfilled.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "unknown", State(9).String())
}
