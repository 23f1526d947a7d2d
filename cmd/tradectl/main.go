// Command tradectl inspects and maintains the bracket bot's ledger and open
// trades from the shell. It reads the same environment as the server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(newEnvironment()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
