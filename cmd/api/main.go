package main

import (
	"context"
	"log"
	"os"

	"github.com/viralforge/cuepassport/internal/app/bootstrap"
)

func main() {
	ctx := context.Background()
	runtime, err := bootstrap.NewRuntime(ctx, configPath())
	if err != nil {
		log.Fatalf("bootstrap api runtime: %v", err)
	}
	if err := runtime.RunAPI(ctx); err != nil {
		log.Fatalf("run api: %v", err)
	}
}

func configPath() string {
	if path := os.Getenv("CUE_CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/default.yaml"
}
