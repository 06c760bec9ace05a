package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}

func TestWithTx_NestedReusesOuter(t *testing.T) {
	// A context already carrying a transaction must not begin a new one; with
	// a nil pool a Begin call would panic.
	ctx := context.WithValue(context.Background(), txKey, fakeTx{})
	called := false
	err := WithTx(ctx, nil, func(inner context.Context) error {
		called = true
		if TxFromContext(inner) == nil {
			t.Error("expected inner context to carry the outer tx")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fn to be called")
	}
}

func TestWithTx_NestedPropagatesError(t *testing.T) {
	ctx := context.WithValue(context.Background(), txKey, fakeTx{})
	want := errors.New("boom")
	if err := WithTx(ctx, nil, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

// fakeTx satisfies pgx.Tx; calling any method panics.
type fakeTx struct{ pgx.Tx }
