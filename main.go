package main

import "github.com/strata-db/strata-go/cmd"

func main() {
	cmd.Execute()
}
