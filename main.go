package main

import "github.com/wheelforge-build/wheelforge/cmd"

func main() {
	cmd.Execute()
}
