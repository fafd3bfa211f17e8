package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		notFound   bool
		permission bool
	}{
		{"nil", nil, false, false},
		{"not exist", fmt.Errorf("stat a/b: %w", fs.ErrNotExist), true, false},
		{"os not exist", &os.PathError{Op: "remove", Path: "x", Err: os.ErrNotExist}, true, false},
		{"permission", fmt.Errorf("remove a: %w", fs.ErrPermission), false, true},
		{"other", errors.New("disk on fire"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if got := IsPermission(tt.err); got != tt.permission {
				t.Errorf("IsPermission = %v, want %v", got, tt.permission)
			}
		})
	}
}
