package main

import (
	"os"

	"github.com/JakeFAU/renderworker/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
