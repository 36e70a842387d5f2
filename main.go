package main

import (
	"os"

	"github.com/slowli/externref/cmd"
)

func main() {
	if err := cmd.RootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
