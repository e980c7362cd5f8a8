package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/aosanya/apc/cmd/apc/cmd"
	"github.com/aosanya/apc/internal/ipc"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var te *ipc.TransportError
		if errors.As(err, &te) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
