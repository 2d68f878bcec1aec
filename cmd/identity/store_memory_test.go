package identity

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_EnsureThenLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewMemoryStore()

	alice, err := st.EnsureUser(ctx, "  Alice ")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if alice.ID == 0 || alice.Username != "alice" {
		t.Fatalf("unexpected principal: %+v", alice)
	}

	again, err := st.EnsureUser(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureUser again: %v", err)
	}
	if again != alice {
		t.Fatalf("EnsureUser not idempotent: %+v vs %+v", again, alice)
	}

	got, err := st.LookupUser(ctx, "ALICE")
	if err != nil {
		t.Fatalf("LookupUser: %v", err)
	}
	if got != alice {
		t.Fatalf("LookupUser=%+v want=%+v", got, alice)
	}
}

func TestMemoryStore_LookupErrors(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()

	cases := []struct {
		name string
		in   string
		want error
	}{
		{name: "missing", in: "bob", want: ErrNotFound},
		{name: "empty", in: "   ", want: ErrInvalidInput},
		{name: "bad charset", in: "bob smith", want: ErrInvalidInput},
	}

	for _, tc := range cases {
		_, err := st.LookupUser(context.Background(), tc.in)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want kind %v", tc.name, err, tc.want)
		}
	}
}

func TestOpError_UnwrapsKindAndCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("driver down")
	err := OpError{Op: "identity.Test", Kind: ErrInvalidInput, Msg: "bad", Err: cause}

	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected kind to unwrap")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if got := err.Error(); got != "identity.Test: invalid_input: bad: driver down" {
		t.Fatalf("Error()=%q", got)
	}
}
