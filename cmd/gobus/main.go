package main

import "gobus/cmd/gobus/cmd"

func main() {
	cmd.Execute()
}
