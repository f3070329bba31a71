package main

import "github.com/fizous/gcaas/cmd"

func main() {
	cmd.Execute()
}
