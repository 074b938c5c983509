package main

import (
	"github.com/shizukutanaka/kadnode/cmd/kadnode/commands"
)

func main() {
	commands.Execute()
}
