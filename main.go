package main

import "github.com/swarmbus/swarmbus/cmd"

func main() {
	cmd.Execute()
}
