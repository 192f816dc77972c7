package main

import (
	"os"

	"gridingest/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
