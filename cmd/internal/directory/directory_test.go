package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"murmur/cmd/identity"
	"murmur/cmd/internal/metastore"
	"murmur/cmd/internal/msglog"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir   *Directory
	store metastore.Store
	log   msglog.Log
	alice identity.Principal
	bob   identity.Principal
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	store, err := metastore.NewSQLiteStore(":memory:")
	req.NoError(err)
	t.Cleanup(func() { _ = store.Close() })

	log := msglog.NewMemoryLog()
	t.Cleanup(func() { _ = log.Close() })

	alice, err := store.EnsureUser(ctx, "alice")
	req.NoError(err)
	bob, err := store.EnsureUser(ctx, "bob")
	req.NoError(err)

	return fixture{dir: New(store, log), store: store, log: log, alice: alice, bob: bob}
}

func TestStartConversation_CreatesThenReturnsExisting(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	first, created, err := f.dir.StartConversation(ctx, f.alice, "bob")
	req.NoError(err)
	req.True(created)
	req.ElementsMatch([]identity.Principal{f.alice, f.bob}, first.Participants)

	again, created, err := f.dir.StartConversation(ctx, f.alice, "  BOB ")
	req.NoError(err)
	req.False(created)
	req.Equal(first.ID, again.ID)

	// The pair is unordered.
	reverse, created, err := f.dir.StartConversation(ctx, f.bob, "alice")
	req.NoError(err)
	req.False(created)
	req.Equal(first.ID, reverse.ID)

	list, err := f.dir.ListConversations(ctx, f.alice, 0)
	req.NoError(err)
	req.Len(list, 1)
}

func TestStartConversation_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name      string
		requester identity.Principal
		target    string
		check     func(error) bool
	}{
		{name: "unknown target", requester: f.alice, target: "nobody", check: identity.IsNotFound},
		{name: "self", requester: f.alice, target: "alice", check: func(err error) bool { return errors.Is(err, identity.ErrSelfConversation) }},
		{name: "invalid username", requester: f.alice, target: "   ", check: identity.IsInvalidInput},
		{name: "anonymous requester", requester: identity.Principal{}, target: "bob", check: identity.IsInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, created, err := f.dir.StartConversation(ctx, tc.requester, tc.target)
			require.Error(t, err)
			require.False(t, created)
			require.True(t, tc.check(err), "unexpected error: %v", err)
		})
	}

	list, err := f.dir.ListConversations(ctx, f.alice, 0)
	require.NoError(t, err)
	require.Empty(t, list, "failed starts must not create conversations")
}

func TestStartConversation_UsesIDFunc(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	n := 0
	dir := New(f.store, f.log, WithIDFunc(func() string {
		n++
		return fmt.Sprintf("conv-%d", n)
	}))

	conv, created, err := dir.StartConversation(context.Background(), f.alice, "bob")
	req.NoError(err)
	req.True(created)
	req.Equal("conv-1", conv.ID)
}

func TestHistory_RequiresMembership(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	carol, err := f.store.EnsureUser(ctx, "carol")
	req.NoError(err)

	conv, _, err := f.dir.StartConversation(ctx, f.alice, "bob")
	req.NoError(err)

	for i := 0; i < 3; i++ {
		_, err := f.log.Append(ctx, msglog.AppendInput{
			ConversationID: conv.ID,
			AuthorID:       f.alice.ID,
			AuthorUsername: f.alice.Username,
			Body:           fmt.Sprintf("m%d", i),
		})
		req.NoError(err)
	}

	msgs, err := f.dir.History(ctx, f.bob, conv.ID, 2, nil)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("m1", msgs[0].Body)
	req.Equal("m2", msgs[1].Body)

	older, err := f.dir.History(ctx, f.bob, conv.ID, 10, &msgs[0].ID)
	req.NoError(err)
	req.Len(older, 1)
	req.Equal("m0", older[0].Body)

	_, err = f.dir.History(ctx, carol, conv.ID, 10, nil)
	req.True(identity.IsNotFound(err))
}
