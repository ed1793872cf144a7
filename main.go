package main

import (
	"context"
	"fmt"
	"os"
)

// version is stamped at build time via -ldflags; left as a default for
// local `go run`.
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
