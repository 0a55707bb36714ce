package atom

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() map[string]any {
	return map[string]any{
		"agents": map[string]any{},
		"outer": map[string]any{
			"inner": map[string]any{"value": "one", "sibling": "keep"},
			"list":  []any{"a", "b", "c"},
		},
	}
}

func nextWithin(t *testing.T, sub *Subscription, d time.Duration) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Next(ctx)
}

func TestAtomGetSetUpdate(t *testing.T) {
	a := New(map[string]any{"count": 1.0})
	assert.Equal(t, map[string]any{"count": 1.0}, a.Get())

	a.Set(map[string]any{"count": 2.0})
	assert.Equal(t, 2.0, a.Get().(map[string]any)["count"])

	a.Update(func(cur any) any {
		m := cur.(map[string]any)
		return map[string]any{"count": m["count"].(float64) + 1}
	})
	assert.Equal(t, 3.0, a.Get().(map[string]any)["count"])
}

func TestSubscriptionSuppressesDuplicatesAndInitial(t *testing.T) {
	a := New("initial")
	sub := a.Subscribe()
	defer sub.Close()

	a.Set("initial")
	a.Set("one")
	a.Set("one")
	a.Set("two")
	a.Set("two")
	a.Set("one")

	var got []any
	for i := 0; i < 3; i++ {
		v, err := nextWithin(t, sub, time.Second)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []any{"one", "two", "one"}, got)

	_, err := nextWithin(t, sub, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionFirstEmissionSkipsConstructionValue(t *testing.T) {
	a := New("initial")
	a.Set("changed")

	sub := a.Subscribe()
	defer sub.Close()

	a.Set("initial")
	a.Set("later")

	v, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "later", v)
}

func TestMultipleSubscribersSeeFullSequence(t *testing.T) {
	a := New(0.0)
	subs := []*Subscription{a.Subscribe(), a.Subscribe(), a.Subscribe()}

	for i := 1; i <= 20; i++ {
		a.Set(float64(i))
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			defer sub.Close()
			for i := 1; i <= 20; i++ {
				v, err := nextWithin(t, sub, time.Second)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, float64(i), v)
			}
		}(sub)
	}
	wg.Wait()
}

func TestSliceSetPreservesSiblings(t *testing.T) {
	a := New(testState())
	before := a.Get().(map[string]any)

	s := a.Slice(Key("outer"), Key("inner"), Key("value"))
	require.NoError(t, s.Set("two"))

	assert.Equal(t, "two", s.Get())
	after := a.Get().(map[string]any)
	assert.Equal(t, "keep", after["outer"].(map[string]any)["inner"].(map[string]any)["sibling"])
	assert.Equal(t, []any{"a", "b", "c"}, after["outer"].(map[string]any)["list"])
	assert.Equal(t, map[string]any{}, after["agents"])

	// the original snapshot is untouched
	assert.Equal(t, "one", before["outer"].(map[string]any)["inner"].(map[string]any)["value"])
}

func TestSliceComposesPaths(t *testing.T) {
	a := New(testState())
	composed := a.Slice(Key("outer")).Slice(Key("inner")).Slice(Key("value"))
	direct := a.Slice(Key("outer"), Key("inner"), Key("value"))

	assert.Equal(t, direct.Path(), composed.Path())
	require.NoError(t, composed.Set("composed"))
	assert.Equal(t, "composed", direct.Get())
}

func TestSliceMissingPathReadsNil(t *testing.T) {
	a := New(testState())
	v, ok := a.Slice(Keys("nope", "deeper")...).Lookup()
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Nil(t, a.Slice(Key("outer"), Key("list"), Index(9)).Get())
}

func TestSliceMaterializesIntermediates(t *testing.T) {
	a := New(map[string]any{})
	require.NoError(t, a.Slice(Key("runs"), Key("r1"), Key("lanes"), Index(1)).Set("second"))

	lanes := a.Slice(Keys("runs", "r1", "lanes")...).Get()
	assert.Equal(t, []any{nil, "second"}, lanes)
}

func TestSliceNeverTurnsSequenceIntoMap(t *testing.T) {
	a := New(testState())
	list := a.Slice(Key("outer"), Key("list"))

	require.NoError(t, list.Slice(Key("1")).Set("B"))
	assert.Equal(t, []any{"a", "B", "c"}, list.Get())

	err := list.Slice(Key("name")).Set("x")
	assert.True(t, errors.Is(err, ErrPathMismatch))
	assert.Equal(t, []any{"a", "B", "c"}, list.Get())

	require.NoError(t, list.Slice(Index(0)).Set(map[string]any{"nested": true}))
	require.NoError(t, list.Slice(Index(0), Key("nested")).Set(false))
	_, isSeq := list.Get().([]any)
	assert.True(t, isSeq)
}

func TestSliceUpdate(t *testing.T) {
	a := New(map[string]any{"n": 1.0})
	require.NoError(t, a.Slice(Key("n")).Update(func(cur any) any { return cur.(float64) * 10 }))
	assert.Equal(t, 10.0, a.Slice(Key("n")).Get())
}

func TestSliceRemoveFiltersSequence(t *testing.T) {
	a := New(testState())
	a.Slice(Key("outer"), Key("list"), Index(1)).Remove()

	list := a.Slice(Key("outer"), Key("list")).Get()
	assert.Equal(t, []any{"a", "c"}, list)
	_, isSeq := list.([]any)
	assert.True(t, isSeq)
}

func TestSliceRemoveDeletesMapKey(t *testing.T) {
	a := New(testState())
	a.Slice(Key("outer"), Key("inner"), Key("value")).Remove()
	inner := a.Slice(Key("outer"), Key("inner")).Get().(map[string]any)
	_, ok := inner["value"]
	assert.False(t, ok)
	assert.Equal(t, "keep", inner["sibling"])
}

func TestSliceRemoveRootAndMissingAreNoops(t *testing.T) {
	a := New(testState())
	sub := a.Subscribe()
	defer sub.Close()

	a.Slice().Remove()
	a.Slice(Keys("missing", "path")...).Remove()
	a.Slice(Key("outer"), Key("list"), Index(42)).Remove()

	assert.Equal(t, testState(), a.Get())
	_, err := nextWithin(t, sub, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSliceSubscribeSeesOnlyItsPath(t *testing.T) {
	a := New(testState())
	sub := a.Slice(Key("outer"), Key("inner"), Key("value")).Subscribe()
	defer sub.Close()

	require.NoError(t, a.Slice(Key("agents"), Key("a1")).Set(true))
	require.NoError(t, a.Slice(Key("outer"), Key("inner"), Key("value")).Set("two"))

	v, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two", v)

	_, err = nextWithin(t, sub, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnceChecksCurrentValue(t *testing.T) {
	a := New(map[string]any{"ready": true})
	v, err := a.Slice(Key("ready")).Once(context.Background(), func(v any) bool { return v == true })
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestOnceWaitsForFutureValue(t *testing.T) {
	a := New(0.0)
	go func() {
		for i := 1; i <= 5; i++ {
			time.Sleep(2 * time.Millisecond)
			a.Set(float64(i))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := a.Once(ctx, func(v any) bool { return v.(float64) >= 3 })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v.(float64), 3.0)
}

func TestResetWithInitializer(t *testing.T) {
	a := New(map[string]any{"runs": map[string]any{}, "agents": map[string]any{}})
	before := a.Subscribe()

	require.NoError(t, a.Slice(Key("runs"), Key("r1")).Set("done"))
	v, err := nextWithin(t, before, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, v)

	a.Reset(func(initial, current any) any {
		return map[string]any{"runs": map[string]any{}, "agents": map[string]any{"kept": true}}
	})
	assert.Equal(t, map[string]any{"runs": map[string]any{}, "agents": map[string]any{"kept": true}}, a.Get())

	after := a.Subscribe()
	defer after.Close()
	require.NoError(t, a.Slice(Key("runs"), Key("r2")).Set("new"))

	_, err = nextWithin(t, before, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	v, err = nextWithin(t, after, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "new", v.(map[string]any)["runs"].(map[string]any)["r2"])
}

func TestResetDefaultsToInitial(t *testing.T) {
	a := New("start")
	a.Set("moved")
	a.Reset(nil)
	assert.Equal(t, "start", a.Get())
}

func TestValueOfAndDecode(t *testing.T) {
	type record struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	v, err := ValueOf(record{ID: "x", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "x", "count": 3.0}, v)

	var out record
	require.NoError(t, Decode(v, &out))
	assert.Equal(t, record{ID: "x", Count: 3}, out)
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("testRuns.r1.agents[2].result")
	require.NoError(t, err)
	assert.Equal(t, Path{Key("testRuns"), Key("r1"), Key("agents"), Index(2), Key("result")}, p)
	assert.Equal(t, "testRuns.r1.agents[2].result", p.String())

	p, err = ParsePath("")
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = ParsePath("a..b")
	assert.Error(t, err)
	_, err = ParsePath("a[x]")
	assert.Error(t, err)
}

func TestParsePathQuotedKeys(t *testing.T) {
	p, err := ParsePath(`agents["agent.1"].status`)
	require.NoError(t, err)
	assert.Equal(t, Path{Key("agents"), Key("agent.1"), Key("status")}, p)
	assert.Equal(t, `agents["agent.1"].status`, p.String())

	p, err = ParsePath(`testRuns.r1.agents["agent.1"].lanes[0]`)
	require.NoError(t, err)
	assert.Equal(t, Path{Key("testRuns"), Key("r1"), Key("agents"), Key("agent.1"), Key("lanes"), Index(0)}, p)

	round, err := ParsePath(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, round)

	for _, bad := range []string{`a["b"`, `a["b]`, `a["b"]x`, `a.`, `a[1]x`} {
		_, err = ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestSliceModifyRequiresExistingValue(t *testing.T) {
	a := New(testState())

	err := a.Slice(Keys("runs", "r1")...).Modify(func(cur any) (any, error) { return "x", nil })
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := a.Get().(map[string]any)["runs"]
	assert.False(t, ok, "a failed modify must not materialize the path")

	boom := errors.New("boom")
	err = a.Slice(Key("outer"), Key("inner"), Key("value")).Modify(func(any) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "one", a.Slice(Key("outer"), Key("inner"), Key("value")).Get())

	require.NoError(t, a.Slice(Key("outer"), Key("inner"), Key("value")).Modify(func(cur any) (any, error) {
		return cur.(string) + "!", nil
	}))
	assert.Equal(t, "one!", a.Slice(Key("outer"), Key("inner"), Key("value")).Get())
}

func TestLookup(t *testing.T) {
	root := map[string]any{"runs": []any{map[string]any{"id": "r1"}}}

	v, ok := Lookup(root, Path{Key("runs"), Index(0), Key("id")})
	assert.True(t, ok)
	assert.Equal(t, "r1", v)

	_, ok = Lookup(root, Path{Key("runs"), Index(3)})
	assert.False(t, ok)

	v, ok = Lookup(root, nil)
	assert.True(t, ok)
	assert.Equal(t, root, v)
}
