// The main package for the taskhub executable.
package main

import (
	"github.com/JakeFAU/taskhub/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
