package main

import "github.com/satishbabariya/persist-go/cli/commands"

func main() {
	commands.Execute()
}
