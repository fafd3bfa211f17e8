package cli

import (
	"fmt"
	"strconv"
)

// parseIDs parses entry ids given as arguments.
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry id %q", a)
		}
		ids[i] = id
	}
	return ids, nil
}
