package main

import "github.com/snapsift/snapsift/cmd"

func main() {
	cmd.Execute()
}
