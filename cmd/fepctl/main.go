// Command fepctl is an offline companion CLI for decoding, encoding, and
// validating ISO 8583 messages and fepd configuration files.
package main

import "github.com/go-fep/fep/cmd/fepctl/commands"

func main() {
	commands.Execute()
}
