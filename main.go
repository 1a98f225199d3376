package main

import (
	"os"

	"github.com/mconnect/mconnect/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
