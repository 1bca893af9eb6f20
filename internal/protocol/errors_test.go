package protocol

import (
	"errors"
	"testing"

	"worldstream/internal/scheduler"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrValidation,
		ErrCapacity,
		ErrNotFound,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor_SchedulerErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&scheduler.ValidationError{Field: "distance", Reason: "must be > 0"}, ErrValidation},
		{&scheduler.CapacityError{Tier: scheduler.PriorityCritical, Capacity: 20}, ErrCapacity},
		{&scheduler.NotFoundError{ID: "x"}, ErrNotFound},
		{errors.New("boom"), ErrInternal},
	}
	for i, c := range cases {
		if got := CodeFor(c.err); got != c.want {
			t.Fatalf("case %d: got %q want %q", i, got, c.want)
		}
	}
}
