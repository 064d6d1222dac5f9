// The main package for the tranco-dispatch executable.
package main

import (
	"github.com/JakeFAU/tranco-dispatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
