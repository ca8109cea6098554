package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/skydrift"
	"github.com/hupe1980/skydrift/config"
)

func main() {
	ctx := context.Background()

	// Build the configuration programmatically; in production runs this comes
	// from a params.yaml via skydrift.FromConfig.
	cfg := &config.Config{
		Run: config.Run{
			OutputDirectory: "products",
			Workers:         4,
			Codec:           "zstd",
		},
		Telescope: config.Telescope{
			MMax:         20,
			LMax:         24,
			NTel:         4,
			NFreq:        8,
			FreqStart:    400,
			FreqWidth:    10,
			BeamWidth:    20,
			SVDThreshold: 1e-6,
		},
		Models: config.Models{
			Signal:     config.Signal{Amplitude: 1, SpectralIndex: 1.5, CorrWidth: 15},
			Foreground: config.Foreground{Amplitude: 500, SpectralIndex: 2.5, FreqIndex: 2.8, Xi: 4},
			Noise:      config.Noise{Tsys: 50, BandwidthTime: 1e6},
		},
		KLTransforms: []config.KLTransform{
			{Name: "kl"},
			{Name: "dk", Foregrounds: true, Threshold: 1.0},
		},
		PSEstimators: []config.PSEstimator{
			{Name: "ps1", KLTransform: "kl", Bands: 5, Chi: 100},
		},
	}

	m, err := skydrift.FromConfigStruct(cfg)
	if err != nil {
		log.Fatalf("failed to wire product manager: %v", err)
	}

	// Generate every product in dependency order:
	// beam matrices -> SVD compression -> KL transforms -> Fisher/bias.
	// The run is idempotent; artifacts already in products/ are reused.
	if err := m.Run(ctx); err != nil {
		log.Fatalf("product run failed: %v", err)
	}

	ps, err := m.PSEstimator("ps1")
	if err != nil {
		log.Fatal(err)
	}

	fisher, bias, err := ps.FisherBias(ctx)
	if err != nil {
		log.Fatalf("failed to load fisher products: %v", err)
	}

	for i, band := range ps.Bands() {
		fmt.Printf("band %d  l=[%d,%d)  k=%.4f  fisher=%.6g  bias=%.6g\n",
			i, band.LLow, band.LHigh, band.KCenter, fisher.At(i, i), bias[i])
	}
}
