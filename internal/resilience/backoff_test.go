package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestBackoff_Bounds(t *testing.T) {
	for n := 0; n < 5; n++ {
		nominal := time.Duration(1<<n) * time.Second
		lo := time.Duration(float64(nominal) * 0.8)
		hi := time.Duration(float64(nominal) * 1.2)

		for i := 0; i < 50; i++ {
			d := Backoff(n, time.Second, 30*time.Second)
			if d < lo || d > hi {
				t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", n, d, lo, hi)
			}
		}
	}
}

func TestBackoff_Cap(t *testing.T) {
	for _, n := range []int{6, 10, 64, 2000} {
		if d := Backoff(n, time.Second, 30*time.Second); d != 30*time.Second {
			t.Errorf("Backoff(%d) = %v, want 30s cap", n, d)
		}
	}
}

func TestBackoff_NonDecreasing(t *testing.T) {
	policy := BackoffPolicy{}
	for run := 0; run < 20; run++ {
		prev := time.Duration(0)
		for n := 0; n < 10; n++ {
			d := policy.Delay(n)
			if d < prev {
				t.Fatalf("run %d: Delay(%d) = %v < previous %v", run, n, d, prev)
			}
			prev = d
		}
		if prev != DefaultBackoffCap {
			t.Errorf("run %d: final delay %v, want cap %v", run, prev, DefaultBackoffCap)
		}
	}
}

func TestBackoff_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				if d := Backoff(n%8, time.Millisecond, time.Second); d <= 0 {
					t.Errorf("Backoff returned %v", d)
				}
			}
		}()
	}
	wg.Wait()
}

func TestBackoffPolicy_BackOff(t *testing.T) {
	policy := BackoffPolicy{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond}
	b := backoff.WithMaxRetries(policy.BackOff(), 4)

	for run := 0; run < 2; run++ {
		b.Reset()
		for n := 0; n < 4; n++ {
			d := b.NextBackOff()
			nominal := time.Duration(float64(10*time.Millisecond) * float64(int(1)<<n))
			lo := min(time.Duration(float64(nominal)*0.8), 50*time.Millisecond)
			hi := min(time.Duration(float64(nominal)*1.2), 50*time.Millisecond)
			if d < lo || d > hi {
				t.Fatalf("run %d: NextBackOff #%d = %v, want within [%v, %v]", run, n, d, lo, hi)
			}
		}
		if d := b.NextBackOff(); d != backoff.Stop {
			t.Errorf("run %d: NextBackOff after 4 retries = %v, want Stop", run, d)
		}
	}
}
