// The main package for the pagestore executable.
package main

import (
	"github.com/JakeFAU/pagestore/cmd"
)

func main() {
	cmd.Execute()
}
