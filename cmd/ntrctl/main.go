// Command ntrctl inspects and patches process memory through an NTR debugger.
package main

import "github.com/Zereker/ntr/internal/cli"

func main() {
	cli.Execute()
}
