package main

import "github.com/nghyane/omnigate/internal/cli"

func main() {
	cli.Execute()
}
