package main

import "meetnotes/cmd"

func main() {
	cmd.Execute()
}
