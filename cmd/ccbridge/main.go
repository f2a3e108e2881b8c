package main

import "github.com/ccbridge/ccbridge/internal/cli"

func main() {
	cli.Execute()
}
