package main

import (
	"context"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
)

var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		slog.Error("wikidex error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
