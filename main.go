// Command sempervigil runs the vulnerability intelligence service:
// migrations, workers, the admin API, and one-off operational commands.
package main

import (
	"os"

	"github.com/sempervigil/sempervigil/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
