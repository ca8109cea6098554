package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/skydrift"
)

func main() {
	ctx := context.Background()

	m, err := skydrift.FromConfig("params.yaml")
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := m.Run(ctx); err != nil {
		log.Fatalf("product run failed: %v", err)
	}

	// Inspect the eigenvalue spectra of the foreground-cleaning transform.
	dk, err := m.KLTransform("dk")
	if err != nil {
		log.Fatal(err)
	}

	evals, err := dk.EvalsAll(ctx)
	if err != nil {
		log.Fatalf("failed to load kl spectra: %v", err)
	}

	for m, row := range evals {
		retained := 0
		for _, ev := range row {
			if ev > 0 {
				retained++
			}
		}
		fmt.Printf("m=%-3d retained=%d\n", m, retained)
	}
}
