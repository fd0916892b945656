// The main package for the renderworker executable.
package main

import (
	"os"

	"github.com/JakeFAU/renderworker/cmd"
)

// main defers all execution to the Cobra CLI and exits with its status.
func main() {
	os.Exit(cmd.Execute())
}
