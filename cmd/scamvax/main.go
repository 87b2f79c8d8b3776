package main

import (
	"context"
	"fmt"
	"os"

	"github.com/andyguoau/scamvax-api/internal/app"
)

func main() {
	if err := app.Run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "scamvax:", err)
		os.Exit(1)
	}
}
