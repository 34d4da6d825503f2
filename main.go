package main

import "github.com/pliu/ume/cmd"

func main() {
	cmd.Execute()
}
