package main

import "github.com/upb/authz-core/cmd/authctl/cmd"

func main() {
	cmd.Execute()
}
