package main

import (
	"github.com/linkdata/jail/cmd/internal/cli"
)

func main() {
	cli.Execute()
}
