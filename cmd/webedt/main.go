// Package main is the webedt entry point: an HTTP service that runs coding
// agent turns against session workspaces, plus a one-shot turn command for
// exercising a backend from the terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
