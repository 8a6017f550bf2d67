// The main package for the gitcrawl executable.
package main

import (
	"github.com/JakeFAU/gitcrawl/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
