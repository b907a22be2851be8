package main

import "drospect/cmd"

func main() {
	cmd.Execute()
}
