package main

import "dropwire/client/cmd"

func main() {
	cmd.Execute()
}
