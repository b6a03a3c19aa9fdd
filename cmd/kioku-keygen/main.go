// Command kioku-keygen prints a fresh API key for KIOKU_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/kioku/internal/auth"
)

func main() {
	key, err := auth.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
	fmt.Println(key)
}
