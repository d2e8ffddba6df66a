package main

import (
	"os"

	"github.com/adwski/robot-teleop/operator/cli"
)

func main() {
	os.Exit(cli.Execute())
}
