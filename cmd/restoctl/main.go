package main

import "go.pilab.hu/restodb/cmd/restoctl/cmd"

func main() {
	cmd.Execute()
}
