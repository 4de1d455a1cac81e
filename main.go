package main

import (
	"github.com/kiln-db/kiln/cmd"
)

func main() {
	cmd.Execute()
}
