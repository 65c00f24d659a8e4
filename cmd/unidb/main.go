// Command unidb stores and queries records on any supported backend from
// the shell.
package main

import (
	"os"

	"github.com/mesh-intelligence/unidb/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
