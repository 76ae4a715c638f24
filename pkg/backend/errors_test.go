package backend

import (
	"errors"
	"testing"
)

func TestWrappersKeepCause(t *testing.T) {
	cause := errors.New("connection reset")

	err := Transient(cause)
	if !errors.Is(err, ErrTransient) || !errors.Is(err, cause) {
		t.Fatalf("Transient lost a link: %v", err)
	}
	if Transient(err) != err {
		t.Fatalf("Transient should not double wrap")
	}

	rej := Rejected(ErrRevoked)
	if !errors.Is(rej, ErrRejected) || !errors.Is(rej, ErrRevoked) {
		t.Fatalf("Rejected lost a link: %v", rej)
	}
	if Transient(nil) != nil || Rejected(nil) != nil || UploadFailed(nil) != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
}

func TestKind(t *testing.T) {
	cases := map[string]error{
		"ok":            nil,
		"transient":     Transient(errors.New("x")),
		"revoked":       ErrRevoked,
		"rejected":      Rejected(errors.New("x")),
		"upload_failed": UploadFailed(errors.New("x")),
		"not_found":     ErrNotFound,
		"closed":        ErrClosed,
		"error":         errors.New("x"),
	}
	for want, err := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %s, want %s", err, got, want)
		}
	}
}
