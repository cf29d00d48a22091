package main

import "github.com/ValentinKolb/oKV/cmd"

func main() {
	cmd.Execute()
}
