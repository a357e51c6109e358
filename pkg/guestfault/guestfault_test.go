package guestfault

import (
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestIsFaultSeesWrappedFaults(t *testing.T) {
	f := Faultf("jump to 0x%08x outside mapped memory", 0xDEADBEEF)
	if !IsFault(f) {
		t.Error("bare fault not recognized")
	}
	if !IsFault(errors.Wrap(f, "running block")) {
		t.Error("fault lost through errors.Wrap")
	}
	if IsFault(errors.New("disk full")) {
		t.Error("host error misclassified as guest fault")
	}
	if IsFault(nil) {
		t.Error("nil classified as guest fault")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	f := Wrap(io.ErrUnexpectedEOF, "reading instruction word")
	if !errors.Is(f, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable through Unwrap")
	}
	want := "reading instruction word: unexpected EOF"
	if got := f.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
