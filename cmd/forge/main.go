package main

import "forge/cmd/cli"

func main() {
	cli.Execute()
}
