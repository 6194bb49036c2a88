// Command patchlog groups patch clicks into doses and uploads them to
// Nightscout.
package main

import (
	"os"

	"github.com/roach88/patchlog/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
