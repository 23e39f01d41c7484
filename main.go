package main

import "github.com/nextlevelbuilder/relaybot/cmd"

func main() {
	cmd.Execute()
}
