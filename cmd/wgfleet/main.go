package main

import (
	"os"

	"github.com/chiquitav2/wgfleet/cmd/wgfleet/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
