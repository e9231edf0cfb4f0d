package main

import "github.com/emufetch/emufetch/cmd"

func main() {
	cmd.Execute()
}
