package main

import "frame2img/cli"

func main() {
	cli.Main()
}
