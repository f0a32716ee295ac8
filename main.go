package main

import "github.com/ghyeongl/lazytree/cmd"

func main() {
	cmd.Execute()
}
