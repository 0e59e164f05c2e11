// Command enginebuild compiles a serialized model description into an
// execution plan.
//
// Usage:
//
//	enginebuild -model retinanet.nvrm -out retinanet.plan \
//	    -precision INT8 -batch 1,8,16 -calibration-dir ./calib \
//	    -anchors "-16,-16,15,15;-32,-32,31,31;-64,-64,63,63"
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-engine/backend"
	"github.com/nvr-ai/go-engine/backend/ort"
	"github.com/nvr-ai/go-engine/backend/sim"
	"github.com/nvr-ai/go-engine/engine"
	"github.com/nvr-ai/go-engine/util"
)

func main() {
	var (
		modelPath   string
		outPath     string
		backendName string
		onnxPath    string
		precision   string
		batchTriple string
		anchorSpec  string
		rotated     bool
		scoreThresh float64
		topN        int
		nmsThresh   float64
		detections  int
		calibDir    string
		calibTable  string
		modelName   string
		workspace   uint64
		verbose     bool
	)
	flag.StringVar(&modelPath, "model", "", "Path to the serialized model description")
	flag.StringVar(&outPath, "out", "model.plan", "Output plan path")
	flag.StringVar(&backendName, "backend", "sim", "Compiler backend (sim, ort)")
	flag.StringVar(&onnxPath, "onnx", "", "Exported core model for the ort backend")
	flag.StringVar(&precision, "precision", "FP32", "Build precision (FP32, FP16, INT8)")
	flag.StringVar(&batchTriple, "batch", "1,1,1", "Dynamic batch triple min,opt,max")
	flag.StringVar(&anchorSpec, "anchors", "", "Per-scale anchor lists, scales separated by ';'")
	flag.BoolVar(&rotated, "rotated", false, "Use rotated-box decode and suppression")
	flag.Float64Var(&scoreThresh, "score-threshold", 0.05, "Decode score threshold")
	flag.IntVar(&topN, "top-n", 1000, "Candidates kept per scale per image")
	flag.Float64Var(&nmsThresh, "nms-threshold", 0.5, "Suppression IoU threshold")
	flag.IntVar(&detections, "detections", 100, "Detections kept per image")
	flag.StringVar(&calibDir, "calibration-dir", "", "Directory of calibration images (INT8)")
	flag.StringVar(&calibTable, "calibration-table", "calibration.json", "Calibration table cache path")
	flag.StringVar(&modelName, "model-name", "", "Model name keying the calibration table")
	flag.Uint64Var(&workspace, "workspace", 1<<30, "Compiler workspace budget in bytes")
	flag.BoolVar(&verbose, "verbose", false, "Surface the compiler's verbose output")
	flag.Parse()

	if modelPath == "" {
		log.Fatal("-model is required")
	}

	desc, err := os.ReadFile(modelPath)
	if err != nil {
		log.Fatalf("reading model description: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Precision = backend.Precision(precision)
	cfg.ScoreThreshold = float32(scoreThresh)
	cfg.TopN = topN
	cfg.Rotated = rotated
	cfg.NMSThreshold = float32(nmsThresh)
	cfg.DetectionsPerImage = detections
	cfg.CalibrationTable = calibTable
	cfg.ModelName = modelName
	cfg.WorkspaceSize = workspace
	cfg.Verbose = verbose

	cfg.MinBatch, cfg.OptBatch, cfg.MaxBatch, err = parseBatchTriple(batchTriple)
	if err != nil {
		log.Fatalf("parsing -batch: %v", err)
	}
	cfg.Anchors, err = parseAnchors(anchorSpec)
	if err != nil {
		log.Fatalf("parsing -anchors: %v", err)
	}
	if calibDir != "" {
		cfg.CalibrationImages, err = util.ListImageFiles(calibDir)
		if err != nil {
			log.Fatalf("listing calibration images: %v", err)
		}
	}

	var compiler backend.Backend
	switch backendName {
	case "sim":
		compiler = sim.New()
	case "ort":
		if onnxPath == "" {
			log.Fatal("-onnx is required for the ort backend")
		}
		model, err := os.ReadFile(onnxPath)
		if err != nil {
			log.Fatalf("reading core model: %v", err)
		}
		compiler = ort.New(model)
	default:
		log.Fatalf("unknown backend %q", backendName)
	}

	plan, err := engine.NewBuilder(compiler).
		WithModel(desc).
		WithConfig(cfg).
		Build()
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}
	if err := plan.Save(outPath); err != nil {
		log.Fatalf("saving plan: %v", err)
	}
}

func parseBatchTriple(s string) (bmin, bopt, bmax int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("want min,opt,max, got %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		vals[i], err = strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, 0, err
		}
	}
	return vals[0], vals[1], vals[2], nil
}

func parseAnchors(s string) ([][]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("at least one anchor list is required")
	}
	var out [][]float32
	for _, group := range strings.Split(s, ";") {
		var anchors []float32
		for _, f := range strings.Split(group, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
			if err != nil {
				return nil, err
			}
			anchors = append(anchors, float32(v))
		}
		out = append(out, anchors)
	}
	return out, nil
}
