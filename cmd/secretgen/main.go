package main

import (
	"fmt"
	"os"

	"tpn/internal/crypto"
)

func main() {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate challenge secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Generated challenge secret")
	fmt.Println("==========================")
	fmt.Println()
	fmt.Println("Add this to your config.env file:")
	fmt.Printf("CHALLENGE_SECRET=%s\n", crypto.EncodeBase64(secret))
}
