package honeycore

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tt := []struct {
		Name string
		Err  *Error
		Want string
	}{
		{
			Name: "Full",
			Err: &Error{
				Op:      "CommitBatch",
				Kind:    ErrTransient,
				Message: "deadlock detected",
				Inner:   errors.New("sqlite busy"),
			},
			Want: "CommitBatch [transient]: deadlock detected: sqlite busy",
		},
		{
			Name: "NoOp",
			Err:  &Error{Kind: ErrInvalid, Message: "bad payload"},
			Want: "[invalid]: bad payload",
		},
		{
			Name: "InnerOnly",
			Err:  &Error{Kind: ErrInternal, Inner: errors.New("boom")},
			Want: "boom",
		},
		{
			Name: "UnknownKind",
			Err:  &Error{Op: "Open", Kind: ErrorKind("bogus"), Message: "x"},
			Want: "Open [???]: x",
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			if got := tc.Err.Error(); got != tc.Want {
				t.Errorf("got: %q, want: %q", got, tc.Want)
			}
		})
	}
}

func TestErrorKindIs(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("opening pool: %w", &Error{
		Op:    "Connect",
		Kind:  ErrTransient,
		Inner: inner,
	})
	if !errors.Is(err, ErrTransient) {
		t.Error("kind not matched through wrapping")
	}
	if errors.Is(err, ErrPermanent) {
		t.Error("wrong kind matched")
	}
	if !errors.Is(err, inner) {
		t.Error("inner error not matched")
	}
}
