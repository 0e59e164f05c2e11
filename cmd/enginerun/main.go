// Command enginerun replays a compiled plan over an image and prints the
// resulting detections.
//
// Usage:
//
//	enginerun -plan retinanet.plan -image street.jpg -min-score 0.3
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/backend/ort"
	"github.com/nvr-ai/go-engine/backend/sim"
	"github.com/nvr-ai/go-engine/engine"
	"github.com/nvr-ai/go-engine/images"
	"github.com/nvr-ai/go-engine/models"
	"gorgonia.org/tensor"
)

func main() {
	var (
		planPath    string
		imagePath   string
		runtimeName string
		minScore    float64
		verbose     bool
	)
	flag.StringVar(&planPath, "plan", "", "Path to the compiled plan")
	flag.StringVar(&imagePath, "image", "", "Path to the input image")
	flag.StringVar(&runtimeName, "runtime", "sim", "Replay runtime (sim, ort)")
	flag.Float64Var(&minScore, "min-score", 0.3, "Minimum score to report")
	flag.BoolVar(&verbose, "verbose", false, "Surface runtime diagnostics")
	flag.Parse()

	if planPath == "" || imagePath == "" {
		log.Fatal("-plan and -image are required")
	}

	var rt backend.Runtime
	switch runtimeName {
	case "sim":
		rt = sim.New()
	case "ort":
		rt = ort.New(nil)
	default:
		log.Fatalf("unknown runtime %q", runtimeName)
	}

	plan, err := engine.LoadPlan(planPath)
	if err != nil {
		log.Fatalf("loading plan: %v", err)
	}
	eng, err := engine.Open(rt, plan, engine.NewLogger(verbose))
	if err != nil {
		log.Fatalf("opening engine: %v", err)
	}
	defer eng.Close()

	f, err := os.Open(imagePath)
	if err != nil {
		log.Fatalf("opening image: %v", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		log.Fatalf("decoding image: %v", err)
	}

	h, w := eng.InputSize()
	buffers := make([]*tensor.Dense, eng.NumIOTensors())
	for i := range buffers {
		buffers[i] = tensor.New(tensor.WithShape(eng.IOTensor(i).Shape...), tensor.Of(tensor.Float32))
	}
	if err := images.PrepareInput(img, w, h, buffers[0].Data().([]float32)); err != nil {
		log.Fatalf("preparing input: %v", err)
	}

	if err := eng.Infer(buffers, 1); err != nil {
		log.Fatalf("inference failed: %v", err)
	}

	labels := models.COCO()
	scores := buffers[1].Data().([]float32)
	boxes := buffers[2].Data().([]float32)
	classes := buffers[3].Data().([]float32)
	boxValues := eng.IOTensor(2).Shape[2]

	reported := 0
	for i := 0; i < eng.MaxDetections(); i++ {
		if float64(scores[i]) < minScore {
			continue
		}
		box := boxes[i*boxValues : (i+1)*boxValues]
		fmt.Printf("%-16s %.3f  %v\n", labels.Name(int(classes[i])), scores[i], box)
		reported++
	}
	fmt.Printf("%d detections (score >= %.2f)\n", reported, minScore)
}
