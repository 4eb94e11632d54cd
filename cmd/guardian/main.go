package main

import "github.com/ogulcanaydogan/Delivery-Guardian/internal/cli"

func main() {
	cli.Execute()
}
