package sequence

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/internal/database"
)

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func day(s string) time.Time {
	t, err := time.Parse(DayFormat, s)
	if err != nil {
		panic(err)
	}
	return t.Add(10 * time.Hour)
}

func TestFormatSerial(t *testing.T) {
	require.Equal(t, "202610190001", FormatSerial("20261019", 1))
	require.Equal(t, "202610190042", FormatSerial("20261019", 42))
	require.Equal(t, "202610199999", FormatSerial("20261019", 9999))
	require.Equal(t, "2026101910000", FormatSerial("20261019", 10000))
}

type factory func(t *testing.T, clock Clock) Sequencer

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, clock Clock) Sequencer { return NewMemory(clock) },
		"sql": func(t *testing.T, clock Clock) Sequencer {
			db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "seq.db"))
			require.NoError(t, err)
			t.Cleanup(func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			})
			return NewSQL(db, clock)
		},
		"redis": func(t *testing.T, clock Clock) Sequencer {
			m, err := mr.Run()
			require.NoError(t, err)
			t.Cleanup(m.Close)
			return NewRedis(redis.NewClient(&redis.Options{Addr: m.Addr()}), "test:ids:", clock)
		},
	}
}

func TestSequencers(t *testing.T) {
	for name, newSeq := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("next id requires ensure", func(t *testing.T) {
				s := newSeq(t, nil)
				_, err := s.NextID(ctx, "widgets")
				require.ErrorIs(t, err, apperr.KindDatabase)
			})

			t.Run("ids are strictly increasing per collection", func(t *testing.T) {
				s := newSeq(t, nil)
				require.NoError(t, s.Ensure(ctx, "widgets", "gadgets"))
				for want := int64(1); want <= 3; want++ {
					got, err := s.NextID(ctx, "widgets")
					require.NoError(t, err)
					require.Equal(t, want, got)
				}
				got, err := s.NextID(ctx, "gadgets")
				require.NoError(t, err)
				require.Equal(t, int64(1), got)
			})

			t.Run("ensure does not reset counters", func(t *testing.T) {
				s := newSeq(t, nil)
				require.NoError(t, s.Ensure(ctx, "widgets"))
				_, err := s.NextID(ctx, "widgets")
				require.NoError(t, err)
				require.NoError(t, s.Ensure(ctx, "widgets"))
				got, err := s.NextID(ctx, "widgets")
				require.NoError(t, err)
				require.Equal(t, int64(2), got)
			})

			t.Run("concurrent allocation has no gaps or duplicates", func(t *testing.T) {
				s := newSeq(t, nil)
				require.NoError(t, s.Ensure(ctx, "widgets"))
				const n = 25
				ids := make([]int64, n)
				errs := make([]error, n)
				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						ids[i], errs[i] = s.NextID(ctx, "widgets")
					}(i)
				}
				wg.Wait()
				for _, err := range errs {
					require.NoError(t, err)
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
				for i, id := range ids {
					require.Equal(t, int64(i+1), id)
				}
			})

			t.Run("daily serial increments and resets on a new day", func(t *testing.T) {
				clk := &fakeClock{now: day("20261019")}
				s := newSeq(t, clk.Now)
				require.NoError(t, s.Ensure(ctx))

				for _, want := range []string{"202610190001", "202610190002", "202610190003"} {
					got, err := s.NextSerial(ctx)
					require.NoError(t, err)
					require.Equal(t, want, got)
				}

				clk.Set(day("20261020"))
				got, err := s.NextSerial(ctx)
				require.NoError(t, err)
				require.Equal(t, "202610200001", got)
			})

			t.Run("raise lifts but never lowers", func(t *testing.T) {
				s := newSeq(t, nil)
				require.NoError(t, s.Ensure(ctx, "widgets"))
				require.NoError(t, s.Raise(ctx, "widgets", 10))
				require.NoError(t, s.Raise(ctx, "widgets", 4))
				got, err := s.NextID(ctx, "widgets")
				require.NoError(t, err)
				require.Equal(t, int64(11), got)
			})

			t.Run("reset removes records", func(t *testing.T) {
				s := newSeq(t, nil)
				require.NoError(t, s.Ensure(ctx, "widgets"))
				require.NoError(t, s.Reset(ctx))
				_, err := s.NextID(ctx, "widgets")
				require.Error(t, err)
			})
		})
	}
}

func TestConcurrentSerialsAreDistinct(t *testing.T) {
	ctx := context.Background()
	for name, newSeq := range backends() {
		t.Run(name, func(t *testing.T) {
			clk := &fakeClock{now: day("20261019")}
			s := newSeq(t, clk.Now)
			require.NoError(t, s.Ensure(ctx))
			// the stored day is stale: every caller races on the reset
			clk.Set(day("20261021"))

			const n = 20
			out := make(chan string, n)
			errs := make(chan error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := s.NextSerial(ctx)
					if err != nil {
						errs <- err
						return
					}
					out <- v
				}()
			}
			wg.Wait()
			close(out)
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			seen := map[string]bool{}
			for v := range out {
				require.False(t, seen[v], "duplicate serial %s", v)
				seen[v] = true
			}
			require.Len(t, seen, n)
			require.True(t, seen["202610210001"])
			require.True(t, seen[FormatSerial("20261021", n)])
		})
	}
}

func TestRedisResetClearsSharedRecords(t *testing.T) {
	ctx := context.Background()
	m, err := mr.Run()
	require.NoError(t, err)
	defer m.Close()
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	require.NoError(t, m.Set("other:key", "keep"))

	writer := NewRedis(client, "", nil)
	var wg sync.WaitGroup
	for _, name := range []string{"widgets", "gadgets", "orders"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, writer.Ensure(ctx, name))
		}(name)
	}
	wg.Wait()
	require.True(t, m.Exists("ids:orders"))

	// a second process never ensured these names
	other := NewRedis(client, "", nil)
	require.NoError(t, other.Reset(ctx))

	for _, name := range []string{"widgets", "gadgets", "orders", SerialRecordName} {
		assert.False(t, m.Exists("ids:"+name), name)
	}
	assert.True(t, m.Exists("other:key"))
	require.NoError(t, other.Reset(ctx))
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, "ids:", globEscape("ids:"))
	assert.Equal(t, `a\*b\?\[c\]`, globEscape("a*b?[c]"))
}
