// Package main provides an operator CLI for exercising a running email
// service. It publishes email tasks to the broker or posts them to the HTTP
// endpoint.
//
// Usage:
//
//	test-client publish --to jane@example.org --subject Welcome --template welcome --context '{"username":"Jane"}'
//	test-client send --url http://localhost:8000/api/v1/email/ --to jane@example.org --count 3
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
