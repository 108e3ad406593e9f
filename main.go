// Package main is the entry point for warden.
package main

import (
	"context"
	"fmt"
	"os"

	"warden/cmd"
)

// main is the entry point. Without a subcommand it runs the server.
func main() {
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
