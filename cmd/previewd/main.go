package main

import "github.com/omniflow/preview/internal/cli/commands"

func main() {
	commands.Execute()
}
