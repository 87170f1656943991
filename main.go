package main

import "github.com/crewhall/crewhall/cmd"

func main() {
	cmd.Execute()
}
