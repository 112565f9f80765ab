package main

import (
	"os"

	"github.com/leftmike/coredb/cmd"
)

func main() {
	if cmd.Execute() != nil {
		os.Exit(1)
	}
}
