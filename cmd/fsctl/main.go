// fsctl is the operator CLI for the file index.
package main

import (
	"fmt"
	"os"

	"github.com/fruitsalade/fileserver/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
