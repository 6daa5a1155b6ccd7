package inmemory

import (
	"context"
	"errors"
	"testing"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/store"
	"github.com/dvloznov/finance-reconciler/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	ext := storetest.Extraction("ext-1", 1, "")

	if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.UpsertExtraction(ctx, ext) }); err != nil {
		t.Fatal(err)
	}
	ext.Scores.Fields["amount"] = 0

	err := s.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetExtraction(ctx, "ext-1")
		if err != nil {
			return err
		}
		if got.Scores.Fields["amount"] != 0.95 {
			t.Errorf("stored extraction changed through caller pointer: %v", got.Scores.Fields)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, func(tx store.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithTx() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("transaction body ran on a cancelled context")
	}

	err = s.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetLinkage(context.Background(), "none")
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetLinkage() error = %v, want ErrNotFound", err)
	}
}
