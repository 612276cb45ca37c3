package main

import "github.com/raphaelreyna/minihttpd/cmd/minihttpd/cmd"

func main() {
	cmd.Execute()
}
