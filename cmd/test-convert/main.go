// cmd/test-convert runs the processed and thumbnail transforms on a local
// image without the queue, registry or blob store.
//
// Usage:
//
//	./test-convert -input photo.png
//	./test-convert -input photo.jpg -variant thumbnail -out /tmp
//	./test-convert -input photo.webp -size 800 -quality 90
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Elderusr/stage7-upload-service/internal/img"
)

func main() {
	input := flag.String("input", "", "Input image path (required)")
	outDir := flag.String("out", "", "Output directory (default: next to the input)")
	variant := flag.String("variant", "both", "processed, thumbnail or both")
	size := flag.Int("size", 0, "Override the long-edge limit")
	quality := flag.Int("quality", 0, "Override the JPEG quality")
	timeout := flag.Duration("timeout", 30*time.Second, "Transform timeout")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	mimeType := mimetype.Detect(data).String()
	tr, err := img.ForMIME(mimeType)
	if err != nil {
		log.Fatalf("%v\n\nSupported formats:\n%s", err, formatSupportedTypes())
	}

	specs, err := selectSpecs(*variant, *size, *quality)
	if err != nil {
		log.Fatal(err)
	}
	if *outDir == "" {
		*outDir = filepath.Dir(*input)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("Input: %s (%s, %s)\n", *input, mimeType, formatBytes(int64(len(data))))
	for _, spec := range specs {
		start := time.Now()
		out, err := tr.Transform(ctx, data, spec)
		if err != nil {
			log.Fatalf("%s failed: %v", spec.Name, err)
		}
		path := outputPath(*input, *outDir, spec.Name)
		if err := os.WriteFile(path, out, 0o644); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
		if err != nil {
			log.Fatalf("inspect %s: %v", path, err)
		}
		fmt.Printf("%-10s %4dx%-4d q%-3d %9s  %v  -> %s\n",
			spec.Name, cfg.Width, cfg.Height, spec.Quality,
			formatBytes(int64(len(out))), time.Since(start).Round(time.Millisecond), path)
	}
}

func selectSpecs(variant string, size, quality int) ([]img.VariantSpec, error) {
	var specs []img.VariantSpec
	switch variant {
	case "both":
		specs = []img.VariantSpec{img.Processed, img.Thumbnail}
	case img.Processed.Name:
		specs = []img.VariantSpec{img.Processed}
	case img.Thumbnail.Name:
		specs = []img.VariantSpec{img.Thumbnail}
	default:
		return nil, fmt.Errorf("unknown variant %q (want processed, thumbnail or both)", variant)
	}
	for i := range specs {
		if size > 0 {
			specs[i].MaxDimension = size
		}
		if quality > 0 {
			specs[i].Quality = quality
		}
	}
	return specs, nil
}

func outputPath(input, dir, variant string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, base+"_"+variant+".jpg")
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatSupportedTypes() string {
	var b strings.Builder
	for _, t := range img.SupportedMimeTypes() {
		fmt.Fprintf(&b, "  • %s\n", t)
	}
	return b.String()
}
