package main

import "github.com/example/stayrace/cmd"

func main() {
	cmd.Execute()
}
