// Command busflowctl inspects and operates busflow queues: it prints the
// effective configuration, sends raw messages and manages dead letters on
// transports that support it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
