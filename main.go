package main

import "github.com/markb/sbexec/cmd"

func main() {
	cmd.Execute()
}
