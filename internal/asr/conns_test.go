package asr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/exolabs/exobridge/pkg/provider/stt"
	sttmock "github.com/exolabs/exobridge/pkg/provider/stt/mock"
)

func TestConnMapSharesInFlightCreation(t *testing.T) {
	t.Parallel()

	m := newConnMap()
	gate := make(chan struct{})
	var creations atomic.Int64

	create := func(context.Context) (stt.SessionHandle, error) {
		<-gate
		creations.Add(1)
		return sttmock.NewSession(), nil
	}

	var wg sync.WaitGroup
	handles := make([]stt.SessionHandle, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, err := m.get(context.Background(), "CA1", create)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}

	close(gate)
	wg.Wait()

	if got := creations.Load(); got != 1 {
		t.Fatalf("creations = %d, want 1", got)
	}
	for i, h := range handles {
		if h != handles[0] {
			t.Fatalf("handle %d differs from handle 0", i)
		}
	}
}

func TestConnMapFailedCreationAllowsRetry(t *testing.T) {
	t.Parallel()

	m := newConnMap()
	boom := errors.New("dial failed")

	_, _, err := m.get(context.Background(), "CA1", func(context.Context) (stt.SessionHandle, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want dial failure", err)
	}

	h, status, err := m.get(context.Background(), "CA1", func(context.Context) (stt.SessionHandle, error) {
		return sttmock.NewSession(), nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if status != connCreated {
		t.Fatalf("status = %v, want fresh creation", status)
	}
	if h == nil {
		t.Fatal("nil handle")
	}
}

func TestConnMapRemoveAllowsRecreation(t *testing.T) {
	t.Parallel()

	m := newConnMap()
	create := func(context.Context) (stt.SessionHandle, error) {
		return sttmock.NewSession(), nil
	}

	first, _, err := m.get(context.Background(), "CA1", create)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !m.settled("CA1") {
		t.Fatal("entry not settled after creation")
	}

	m.remove("CA1")
	if m.settled("CA1") {
		t.Fatal("entry still settled after remove")
	}

	second, status, err := m.get(context.Background(), "CA1", create)
	if err != nil {
		t.Fatalf("get after remove: %v", err)
	}
	if status != connCreated || second == first {
		t.Fatalf("expected a fresh session after remove")
	}
}
