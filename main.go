// Package main is the entry point for the loramesh gateway relay.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/loramesh/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
