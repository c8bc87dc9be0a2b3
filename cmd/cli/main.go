package main

import "github.com/alvesdmateus/instance-deployer/internal/cli/commands"

func main() {
	commands.Execute()
}
