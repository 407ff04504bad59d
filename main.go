// The main package for the mangamark executable.
package main

import (
	"github.com/mangamark/mangamark/cmd"
)

func main() {
	cmd.Execute()
}
