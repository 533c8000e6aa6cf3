// Package main is the entry point for the beamhost CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "beamhost:", err)
		os.Exit(1)
	}
}
