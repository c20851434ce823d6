package kv

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Save(ctx, "k", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected value: %s", got)
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	buf := []byte("original")
	if err := s.Save(ctx, "k", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'X'

	got, _ := s.Load(ctx, "k")
	if string(got) != "original" {
		t.Fatalf("stored value aliased caller buffer: %s", got)
	}
	got[0] = 'Y'
	again, _ := s.Load(ctx, "k")
	if string(again) != "original" {
		t.Fatalf("loaded value aliased stored buffer: %s", again)
	}
}
