package main

import (
	"os"

	"github.com/jandubois/srmprobe/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute(), os.Stdout, os.Stderr))
}
