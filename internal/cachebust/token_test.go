package cachebust

import (
	"sync"
	"testing"
	"time"
)

func TestNew_ValidToken(t *testing.T) {
	tok := New()
	if !Valid(tok.Value()) {
		t.Fatalf("Value() = %q, want 8 lowercase hex chars", tok.Value())
	}
}

func TestValue_StableBetweenRegenerations(t *testing.T) {
	tok := New()
	first := tok.Value()
	for i := 0; i < 100; i++ {
		if got := tok.Value(); got != first {
			t.Fatalf("Value() changed without Regenerate: %q -> %q", first, got)
		}
	}
}

func TestRegenerate_ChangesValue(t *testing.T) {
	tok := New()
	prev := tok.Value()
	for i := 0; i < 10000; i++ {
		next := tok.Regenerate()
		if next == prev {
			t.Fatalf("iteration %d: regenerate returned previous value %q", i, next)
		}
		if !Valid(next) {
			t.Fatalf("iteration %d: invalid token %q", i, next)
		}
		if tok.Value() != next {
			t.Fatalf("Value() = %q, want %q", tok.Value(), next)
		}
		prev = next
	}
}

func TestRegenerate_RetriesOnCollision(t *testing.T) {
	tok := New()
	tok.now = func() time.Time { return time.Unix(0, 42) }

	ids := []string{"same", "same", "same", "other"}
	i := 0
	tok.newID = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}

	// seed the current value with the colliding input
	v := tok.generate()
	tok.value.Store(&v)
	i = 0

	next := tok.Regenerate()
	if next == v {
		t.Fatal("Regenerate must not return the current value")
	}
}

func TestRegenerate_Hook(t *testing.T) {
	var calls int
	var gotPrev, gotNext string
	tok := New(WithOnRegenerate(func(prev, next string) {
		calls++
		gotPrev, gotNext = prev, next
	}))
	before := tok.Value()
	after := tok.Regenerate()

	if calls != 1 {
		t.Fatalf("hook called %d times, want 1", calls)
	}
	if gotPrev != before || gotNext != after {
		t.Fatalf("hook got (%q, %q), want (%q, %q)", gotPrev, gotNext, before, after)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	const writers, perWriter = 4, 200
	tok := New()
	seen := make(map[string]struct{})
	var seenMu sync.Mutex

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				v := tok.Regenerate()
				seenMu.Lock()
				seen[v] = struct{}{}
				seenMu.Unlock()
			}
		}()
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				if v := tok.Value(); !Valid(v) {
					t.Errorf("reader saw invalid token %q", v)
					return
				}
			}
		}()
	}
	wg.Wait()

	// 800 draws from 2^32 values collide by chance about once in 13000 runs
	if len(seen) != writers*perWriter {
		t.Fatalf("distinct tokens = %d, want %d", len(seen), writers*perWriter)
	}
	if _, ok := seen[tok.Value()]; !ok {
		t.Fatal("final value should be one of the regenerated values")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0123abcd", true},
		{"deadbeef", true},
		{"DEADBEEF", false},
		{"0123abc", false},
		{"0123abcde", false},
		{"0123abcg", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
