package main

import "feetracker/internal/cli"

func main() {
	cli.Execute()
}
