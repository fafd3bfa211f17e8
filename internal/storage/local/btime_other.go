//go:build !linux

package local

import "time"

func birthTime(string) (time.Time, bool) { return time.Time{}, false }
