package main

import "tenantgate/internal/app/cmd"

func main() {
	cmd.Execute()
}
