// Command s3logfwd reads log objects and forwards their events.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/s3-log-forwarder/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
