// Package main is the single-binary entrypoint for taskvault.
package main

import "github.com/tutu-network/taskvault/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
