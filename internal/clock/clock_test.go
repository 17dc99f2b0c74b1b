package clock_test

import (
	"testing"
	"time"

	"pkt.systems/smartpoll/internal/clock"
)

func TestRealNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
	if drift := time.Since(now); drift < 0 || drift > time.Second {
		t.Fatalf("Now drifted by %v", drift)
	}
}

func TestRealAfterFires(t *testing.T) {
	t.Parallel()

	select {
	case <-clock.Real{}.After(10 * time.Millisecond):
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After never fired")
	}
}

func TestWaitTimesOut(t *testing.T) {
	t.Parallel()

	cancel := make(chan struct{})
	start := time.Now()
	reason := clock.Wait(clock.Real{}, 10*time.Millisecond, cancel)
	if reason != clock.WakeTimeout {
		t.Fatalf("expected WakeTimeout, got %v", reason)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("wait returned too early: %v", elapsed)
	}
}

func TestWaitReturnsPromptlyOnCancel(t *testing.T) {
	t.Parallel()

	cancel := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(cancel)
	}()
	start := time.Now()
	reason := clock.Wait(clock.Real{}, 5*time.Second, cancel)
	if reason != clock.WakeCanceled {
		t.Fatalf("expected WakeCanceled, got %v", reason)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("cancel wake too slow: %v", elapsed)
	}
}

func TestWaitHonoursPreSignalledCancel(t *testing.T) {
	t.Parallel()

	cancel := make(chan struct{})
	close(cancel)
	if reason := clock.Wait(clock.Real{}, 0, cancel); reason != clock.WakeCanceled {
		t.Fatalf("expected WakeCanceled for pre-signalled cancel, got %v", reason)
	}
}

func TestWaitZeroDurationDoesNotBlock(t *testing.T) {
	t.Parallel()

	if reason := clock.Wait(clock.Real{}, 0, make(chan struct{})); reason != clock.WakeTimeout {
		t.Fatalf("expected WakeTimeout, got %v", reason)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1000, 0))
	ch := manual.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	manual.Advance(3 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired too early")
	default:
	}
	manual.Advance(2 * time.Second)
	select {
	case at := <-ch:
		if got := manual.Now(); !at.Equal(got) {
			t.Fatalf("timer fired with %v, clock at %v", at, got)
		}
	default:
		t.Fatal("timer did not fire after advancing past due time")
	}
	if pending := manual.Pending(); pending != 0 {
		t.Fatalf("expected no pending timers, got %d", pending)
	}
}

func TestManualWaitCancels(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1000, 0))
	cancel := make(chan struct{})
	done := make(chan clock.WakeReason, 1)
	go func() {
		done <- clock.Wait(manual, time.Minute, cancel)
	}()
	close(cancel)
	select {
	case reason := <-done:
		if reason != clock.WakeCanceled {
			t.Fatalf("expected WakeCanceled, got %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancel")
	}
}
