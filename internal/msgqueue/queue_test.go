package msgqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestModeHashStable(t *testing.T) {
	m1 := Mode{PermissionMode: "default", Model: "m1", OriginalUserText: "hi"}
	m2 := Mode{PermissionMode: "default", Model: "m1", OriginalUserText: "totally different"}

	// OriginalUserText is excluded from the hash.
	require.Equal(t, m1.Hash(), m2.Hash())
}

func TestModeHashModelChange(t *testing.T) {
	m1 := Mode{PermissionMode: "default", Model: "m1"}
	m2 := Mode{PermissionMode: "default", Model: "m2"}
	require.NotEqual(t, m1.Hash(), m2.Hash())
}

func TestModeHashPermissionChange(t *testing.T) {
	m1 := Mode{PermissionMode: "default", Model: "m1"}
	m2 := Mode{PermissionMode: "yolo", Model: "m1"}
	require.NotEqual(t, m1.Hash(), m2.Hash())
}

func TestModeHashNoFieldBleed(t *testing.T) {
	// Field boundaries matter: ("ab", "c") != ("a", "bc").
	m1 := Mode{PermissionMode: "ab", Model: "c"}
	m2 := Mode{PermissionMode: "a", Model: "bc"}
	require.NotEqual(t, m1.Hash(), m2.Hash())
}

func TestQueueOrder(t *testing.T) {
	q := New()
	q.Push("first", Mode{PermissionMode: "default"})
	q.Push("second", Mode{PermissionMode: "default"})

	ctx := context.Background()
	p1, err := q.WaitForNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", p1.Text)

	p2, err := q.WaitForNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", p2.Text)
	require.Equal(t, p1.Hash, p2.Hash)
	require.Equal(t, 0, q.Len())
}

func TestQueueBlocksUntilPush(t *testing.T) {
	q := New()

	got := make(chan Prompt, 1)
	go func() {
		p, err := q.WaitForNext(context.Background())
		if err == nil {
			got <- p
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("late", Mode{PermissionMode: "yolo", Model: "m"})

	select {
	case p := <-got:
		require.Equal(t, "late", p.Text)
		require.Equal(t, Mode{PermissionMode: "yolo", Model: "m"}.Hash(), p.Hash)
	case <-time.After(time.Second):
		t.Fatal("WaitForNext did not wake up")
	}
}

func TestQueueCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.WaitForNext(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
