package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRegistrySubscribesOncePerFilter(t *testing.T) {
	gw := new(mockGateway)
	gw.On("Subscribe", mock.Anything, "test/test1").Return(nil).Once()
	reg := NewRegistry(gw)
	ctx := context.Background()

	first, err := reg.Register(ctx, "test/test1", nopHandler())
	require.NoError(t, err)
	second, err := reg.Register(ctx, "test/test1", nopHandler())
	require.NoError(t, err)

	assert.Equal(t, 1, first.Count)
	assert.Equal(t, 2, second.Count)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, reg.Subscribed("test/test1"))
	assert.Equal(t, 1, reg.Len())
	gw.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestRegistryDistinctFilterStringsSubscribeSeparately(t *testing.T) {
	gw := new(mockGateway)
	gw.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	reg := NewRegistry(gw)
	ctx := context.Background()

	// Overlapping but textually different filters are separate subscriptions.
	_, err := reg.Register(ctx, "a/+", nopHandler())
	require.NoError(t, err)
	_, err = reg.Register(ctx, "a/#", nopHandler())
	require.NoError(t, err)

	gw.AssertCalled(t, "Subscribe", mock.Anything, "a/+")
	gw.AssertCalled(t, "Subscribe", mock.Anything, "a/#")
	assert.Equal(t, []string{"a/+", "a/#"}, reg.Filters())
}

func TestRegistryRollsBackOnSubscribeFailure(t *testing.T) {
	boom := errors.New("broker unavailable")
	gw := new(mockGateway)
	gw.On("Subscribe", mock.Anything, "topic1").Return(boom).Once()
	gw.On("Subscribe", mock.Anything, "topic1").Return(nil).Once()
	reg := NewRegistry(gw)
	ctx := context.Background()

	_, err := reg.Register(ctx, "topic1", nopHandler())
	require.ErrorIs(t, err, ErrSubscriptionFailed)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, reg.Count("topic1"))
	assert.False(t, reg.Subscribed("topic1"))
	assert.Empty(t, reg.HandlersMatching("topic1"))

	got, err := reg.Register(ctx, "topic1", nopHandler())
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
	gw.AssertNumberOfCalls(t, "Subscribe", 2)
}

func TestRegistryRejectsInvalidFilter(t *testing.T) {
	gw := new(mockGateway)
	reg := NewRegistry(gw)

	for _, filter := range []string{"", "a/#/b", "a+", "sport/tennis#"} {
		_, err := reg.Register(context.Background(), filter, nopHandler())
		require.ErrorIs(t, err, ErrInvalidFilter, filter)
	}
	_, err := reg.Register(context.Background(), "a", nil)
	require.ErrorIs(t, err, ErrInvalidRegistrationArgs)

	gw.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryHandlersMatchingOrder(t *testing.T) {
	reg := NewRegistry(nil)
	ctx := context.Background()

	register := func(filter string) uint64 {
		t.Helper()
		r, err := reg.Register(ctx, filter, nopHandler())
		require.NoError(t, err)
		return r.ID
	}
	a1 := register("home/+/temp")
	b1 := register("home/#")
	a2 := register("home/+/temp")
	register("office/#")
	c1 := register("home/kitchen/temp")

	var ids []uint64
	for _, b := range reg.HandlersMatching("home/kitchen/temp") {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []uint64{a1, a2, b1, c1}, ids)
	assert.Empty(t, reg.HandlersMatching("garage/door"))
}

func TestRegistryMatchCacheFollowsSnapshots(t *testing.T) {
	reg := NewRegistry(nil, WithMatchCache(2))
	ctx := context.Background()

	first, err := reg.Register(ctx, "cache/+", nopHandler())
	require.NoError(t, err)
	require.Len(t, reg.HandlersMatching("cache/1"), 1)
	require.Len(t, reg.HandlersMatching("cache/1"), 1)

	_, err = reg.Register(ctx, "cache/#", nopHandler())
	require.NoError(t, err)
	assert.Len(t, reg.HandlersMatching("cache/1"), 2)

	require.NoError(t, reg.Unregister(ctx, "cache/+", first.ID))
	matched := reg.HandlersMatching("cache/1")
	require.Len(t, matched, 1)
	assert.Equal(t, "cache/#", matched[0].Filter)

	for i := 0; i < 5; i++ {
		assert.Len(t, reg.HandlersMatching(fmt.Sprintf("cache/%d", i)), 1)
	}
}

func TestRegistryReservedTopicPolicy(t *testing.T) {
	ctx := context.Background()

	include := NewRegistry(nil)
	_, err := include.Register(ctx, "#", nopHandler())
	require.NoError(t, err)
	assert.Len(t, include.HandlersMatching("$SYS/uptime"), 1)

	exclude := NewRegistry(nil, WithMatchPolicy(usmqtt.MatchPolicy{ExcludeReserved: true}))
	_, err = exclude.Register(ctx, "#", nopHandler())
	require.NoError(t, err)
	_, err = exclude.Register(ctx, "$SYS/#", nopHandler())
	require.NoError(t, err)
	matched := exclude.HandlersMatching("$SYS/uptime")
	require.Len(t, matched, 1)
	assert.Equal(t, "$SYS/#", matched[0].Filter)
}

func TestRegistryUnregister(t *testing.T) {
	gw := new(mockGateway)
	gw.On("Subscribe", mock.Anything, "a/b").Return(nil).Once()
	gw.On("Unsubscribe", mock.Anything, "a/b").Return(nil).Once()
	reg := NewRegistry(gw)
	ctx := context.Background()

	first, err := reg.Register(ctx, "a/b", nopHandler())
	require.NoError(t, err)
	second, err := reg.Register(ctx, "a/b", nopHandler())
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(ctx, "a/b", first.ID))
	gw.AssertNotCalled(t, "Unsubscribe", mock.Anything, "a/b")
	assert.Equal(t, 1, reg.Count("a/b"))

	require.ErrorIs(t, reg.Unregister(ctx, "a/b", first.ID), ErrBindingNotFound)
	require.ErrorIs(t, reg.Unregister(ctx, "x/y", 1), ErrBindingNotFound)

	require.NoError(t, reg.Unregister(ctx, "a/b", second.ID))
	gw.AssertCalled(t, "Unsubscribe", mock.Anything, "a/b")
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryCloseUnsubscribesEverything(t *testing.T) {
	gw := new(mockGateway)
	gw.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	gw.On("Unsubscribe", mock.Anything, "a").Return(nil).Once()
	gw.On("Unsubscribe", mock.Anything, "b").Return(errors.New("b failed")).Once()
	gw.On("Unsubscribe", mock.Anything, "c").Return(errors.New("c failed")).Once()
	reg := NewRegistry(gw)
	ctx := context.Background()

	for _, f := range []string{"a", "b", "c"} {
		_, err := reg.Register(ctx, f, nopHandler())
		require.NoError(t, err)
	}

	err := reg.Close(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b failed")
	assert.Contains(t, err.Error(), "c failed")
	assert.Equal(t, 0, reg.Len())

	_, err = reg.Register(ctx, "d", nopHandler())
	require.ErrorIs(t, err, ErrRegistryClosed)
	require.NoError(t, reg.Close(ctx))
	gw.AssertNumberOfCalls(t, "Unsubscribe", 3)
}

func TestRegistryConcurrentRegisterAndMatch(t *testing.T) {
	gw := new(mockGateway)
	gw.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	reg := NewRegistry(gw)
	ctx := context.Background()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Every snapshot is internally consistent: each binding
				// belongs to the filter it is listed under.
				for _, b := range reg.HandlersMatching("load/shared") {
					if b.Filter != "load/shared" && b.Filter != "load/#" {
						panic(fmt.Sprintf("unexpected filter %q", b.Filter))
					}
				}
			}
		}()
	}

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				filter := "load/shared"
				if i%2 == 1 {
					filter = fmt.Sprintf("load/%d/%d", w, i)
				}
				if _, err := reg.Register(ctx, filter, nopHandler()); err != nil {
					panic(err)
				}
			}
		}(w)
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	assert.Equal(t, writers*perWriter/2, reg.Count("load/shared"))
	assert.Equal(t, 1+writers*perWriter/2, reg.Len())
	gw.AssertNumberOfCalls(t, "Subscribe", 1+writers*perWriter/2)
}
