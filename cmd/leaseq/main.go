package main

import "github.com/aridsondez/leaseq/internal/cli"

func main() {
	cli.Run()
}
