package main

import "github.com/geekxflood/trapkeeper/cmd"

func main() {
	cmd.Execute()
}
