package main

import "wallfetch/cmd"

func main() {
	cmd.Execute()
}
