package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"mailprobe/testutil"
)

func TestManager_BurstGrantsUpToCeilingThenQueuesFIFO(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 15, MaxPerRequester: 3})

	type result struct {
		ticket   *Ticket
		position int
	}
	results := make([]result, 25)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := m.RequestSlot(fmt.Sprintf("user-%d", i))
			testutil.AssertNoError(t, err, "request slot")
			results[i] = result{ticket: ticket, position: ticket.Position()}
		}(i)
	}
	wg.Wait()

	var granted, queued []result
	for _, r := range results {
		if r.ticket.Granted() {
			granted = append(granted, r)
		} else {
			queued = append(queued, r)
		}
	}
	testutil.AssertEqual(t, len(granted), 15, "granted immediately")
	testutil.AssertEqual(t, len(queued), 10, "queued")

	sort.Slice(queued, func(i, j int) bool { return queued[i].position < queued[j].position })
	for i, r := range queued {
		testutil.AssertEqual(t, r.position, i+1, "queue positions increase from 1")
		testutil.AssertTrue(t, r.ticket.EstimatedWait > 0, "wait estimate present")
	}

	for i, r := range queued {
		granted[i].ticket.Release()
		testutil.AssertEqual(t, r.ticket.State(), StateActive, "head of queue admitted")
		testutil.AssertNoError(t, r.ticket.Wait(context.Background()), "wait returns once active")
		if i+1 < len(queued) {
			testutil.AssertEqual(t, queued[i+1].ticket.State(), StatePending, "next waiter still queued")
			testutil.AssertEqual(t, queued[i+1].ticket.Position(), 1, "next waiter moved to the head")
		}
	}

	stats := m.Stats()
	testutil.AssertEqual(t, stats.Active, 15, "active after handover")
	testutil.AssertEqual(t, stats.Queued, 0, "queue drained")
}

func TestManager_PerRequesterCeiling(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 10, MaxPerRequester: 2})

	a1, _ := m.RequestSlot("alice")
	a2, _ := m.RequestSlot("alice")
	a3, err := m.RequestSlot("alice")
	testutil.AssertNoError(t, err, "third request queued, not rejected")
	testutil.AssertTrue(t, a1.Granted() && a2.Granted(), "first two granted")
	testutil.AssertFalse(t, a3.Granted(), "third queued")

	// Another requester is not blocked by alice's waiter.
	b1, _ := m.RequestSlot("bob")
	testutil.AssertTrue(t, b1.Granted(), "bob granted past alice's waiter")

	a1.Release()
	testutil.AssertEqual(t, a3.State(), StateActive, "alice's waiter admitted on her release")
	testutil.AssertEqual(t, m.Stats().Active, 3, "active count")
}

func TestManager_NeverExceedsCeilings(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 5, MaxPerRequester: 2, QueueTimeout: 5 * time.Second})

	var (
		mu        sync.Mutex
		active    int
		perUser   = map[string]int{}
		violation bool
	)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%4)
			ticket, err := m.RequestSlot(user)
			if err != nil {
				return
			}
			if err := ticket.Wait(context.Background()); err != nil {
				return
			}

			mu.Lock()
			active++
			perUser[user]++
			if active > 5 || perUser[user] > 2 {
				violation = true
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			perUser[user]--
			mu.Unlock()
			ticket.Release()
		}(i)
	}
	wg.Wait()

	testutil.AssertFalse(t, violation, "ceilings respected under contention")
	testutil.AssertEqual(t, m.Stats().Active, 0, "all released")
}

func TestTicket_WaitTimeout(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 1, MaxPerRequester: 1, QueueTimeout: 50 * time.Millisecond})

	held, _ := m.RequestSlot("a")
	testutil.AssertTrue(t, held.Granted(), "first granted")

	waiter, _ := m.RequestSlot("b")
	err := waiter.Wait(context.Background())
	testutil.AssertTrue(t, errors.Is(err, ErrQueueTimeout), "queue timeout")
	testutil.AssertEqual(t, waiter.State(), StateExpired, "expired")
	testutil.AssertEqual(t, m.Stats().Queued, 0, "removed from queue")

	held.Release()
	testutil.AssertEqual(t, m.Stats().Active, 0, "expired waiter never activated")
}

func TestTicket_WaitCancelled(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 1, MaxPerRequester: 1})
	m.RequestSlot("a")
	waiter, _ := m.RequestSlot("b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waiter.Wait(ctx)
	testutil.AssertTrue(t, errors.Is(err, context.Canceled), "cancelled")
	testutil.AssertEqual(t, m.Stats().Queued, 0, "removed from queue")
}

func TestManager_QueueFull(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 1, MaxPerRequester: 1, MaxQueueLength: 2})
	m.RequestSlot("a")
	m.RequestSlot("b")
	m.RequestSlot("c")

	_, err := m.RequestSlot("d")
	testutil.AssertTrue(t, errors.Is(err, ErrQueueFull), "queue full")
}

func TestManager_Sweep(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 1, MaxPerRequester: 1, MaxConnectionTime: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }

	stale, _ := m.RequestSlot("a")
	waiter, _ := m.RequestSlot("b")

	testutil.AssertEqual(t, m.Sweep(now.Add(30*time.Second)), 0, "slot not yet stale")
	testutil.AssertEqual(t, m.Sweep(now.Add(2*time.Minute)), 1, "stale slot reclaimed")
	testutil.AssertEqual(t, stale.State(), StateExpired, "stale ticket expired")
	testutil.AssertEqual(t, waiter.State(), StateActive, "waiter admitted")

	stale.Release()
	testutil.AssertEqual(t, m.Stats().Active, 1, "late release of a swept ticket is a no-op")
}

func TestManager_EstimateTracksObservedDurations(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 1, MaxPerRequester: 1, DefaultOperationDuration: time.Second})
	now := time.Now()
	m.now = func() time.Time { return now }

	first, _ := m.RequestSlot("a")
	now = now.Add(10 * time.Second)
	first.Release()
	testutil.AssertEqual(t, m.Stats().AverageOperation, 10*time.Second, "first sample replaces the seed")

	m.RequestSlot("a")
	w1, _ := m.RequestSlot("b")
	w2, _ := m.RequestSlot("c")
	testutil.AssertEqual(t, w1.EstimatedWait, 10*time.Second, "one wave ahead")
	testutil.AssertEqual(t, w2.EstimatedWait, 20*time.Second, "two waves ahead")
}

func TestManager_Close(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRequests: 1, MaxPerRequester: 1})
	m.RequestSlot("a")
	waiter, _ := m.RequestSlot("b")

	m.Close()
	testutil.AssertTrue(t, errors.Is(waiter.Wait(context.Background()), ErrClosed), "queued waiter released with ErrClosed")
	_, err := m.RequestSlot("c")
	testutil.AssertTrue(t, errors.Is(err, ErrClosed), "closed manager rejects")
}
