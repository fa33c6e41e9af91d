package future

import (
	"errors"
	"testing"
	"time"
)

func TestAwait(t *testing.T) {
	type testCase struct {
		name    string
		fn      func() (int, error)
		wantVal int
		wantErr bool
	}

	testCases := []testCase{
		{
			name:    "immediate success",
			fn:      func() (int, error) { return 42, nil },
			wantVal: 42,
			wantErr: false,
		},
		{
			name:    "immediate failure",
			fn:      func() (int, error) { return 0, errors.New("failure") },
			wantVal: 0,
			wantErr: true,
		},
		{
			name: "delayed success",
			fn: func() (int, error) {
				time.Sleep(5 * time.Millisecond)
				return 100, nil
			},
			wantVal: 100,
			wantErr: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fut := New(tc.fn)
			val, err := fut.Await()

			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error: %v, got: %v", tc.wantErr, err)
			}
			if val != tc.wantVal {
				t.Fatalf("expected value: %d, got: %d", tc.wantVal, val)
			}
		})
	}
}

func TestAwaitResolvesExactlyOnceUnderConcurrentAwaiters(t *testing.T) {
	calls := 0
	fut := New(func() (int, error) {
		calls++
		return 7, nil
	})

	done := make(chan int, 4)
	for i := 0; i < 4; i++ {
		go func() {
			v, _ := fut.Await()
			done <- v
		}()
	}
	for i := 0; i < 4; i++ {
		if v := <-done; v != 7 {
			t.Fatalf("expected 7, got %d", v)
		}
	}
	if calls != 1 {
		t.Fatalf("expected fn to run exactly once, ran %d times", calls)
	}
}
