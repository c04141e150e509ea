// Package main points at the real entry points of the EMP broker tooling.
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("Please use one of the following commands:")
	fmt.Println("  go run ./cmd/empbroker start   - Run the message broker")
	fmt.Println("  go run ./cmd/empctl            - Send and fetch messages")
	os.Exit(0)
}
