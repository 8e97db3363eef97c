package main

import "github.com/kozaktomas/facepoke/cmd"

func main() {
	cmd.Execute()
}
