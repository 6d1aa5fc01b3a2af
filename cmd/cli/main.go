package main

import (
	"os"

	"github.com/nadmax/pullload/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
