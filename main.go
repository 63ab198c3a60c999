package main

import "github.com/druidia-bot/dotbot/cmd"

func main() {
	cmd.Execute()
}
