package misc

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotFoundError(t *testing.T) {
	missing := []error{
		errors.New("state not found"),
		errors.New("bucket does not exist"),
		errors.New("open /tmp/x: no such file or directory"),
		fmt.Errorf("loading checkpoint: %w", errors.New("object not found")),
	}
	for _, err := range missing {
		if !IsNotFoundError(err) {
			t.Errorf("Expected %q to read as not-found", err)
		}
	}

	if IsNotFoundError(nil) {
		t.Errorf("nil error should not read as not-found")
	}
	if IsNotFoundError(errors.New("permission denied")) {
		t.Errorf("Unrelated error should not read as not-found")
	}
}
