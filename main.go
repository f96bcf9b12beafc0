package main

import "github.com/nextlevelbuilder/shepherd/cmd"

func main() {
	cmd.Execute()
}
