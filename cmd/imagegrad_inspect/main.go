// imagegrad_inspect builds sample forward image ops, runs their registered gradient functions and prints,
// for each input of each op, the gradient returned (or NoGradient).
//
// Usage:
//
//	imagegrad_inspect -dtype=Float16 -ops=ResizeBilinear,CropAndResize -dynamic
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
	"github.com/gomlx/imagegrad/imagegrad"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagOps = flag.String("ops", "", "Comma-separated list of the image ops to inspect. "+
		"Default is all of them.")
	flagDType   = flag.String("dtype", "Float32", "DType of the image (or data) input of the sample ops, e.g.: Float16, F64, Int32.")
	flagDynamic = flag.Bool("dynamic", false, "Leave the batch and spatial dimensions of the inputs "+
		"unknown, so the gradients need to query the shapes at runtime.")
	flagParallelism = flag.Int("parallelism", runtime.NumCPU(), "Maximum number of gradients built concurrently. "+
		"If <= 0 there is no limit.")
	flagRepeat = flag.Int("repeat", 1, "Number of graphs to build. If > 1 only the first one is printed, "+
		"and a progress bar is displayed.")
	flagNoColor     = flag.Bool("nocolor", false, "Disable colors in the output.")
	flagEligibility = flag.Bool("eligibility", false, "Also list the eligible dtypes of each op.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	dtype, err := parseDType(*flagDType)
	if err != nil {
		klog.Errorf("Invalid -dtype: %v", err)
		os.Exit(1)
	}
	nodeTypes, err := parseOps(*flagOps)
	if err != nil {
		klog.Errorf("Invalid -ops: %v", err)
		os.Exit(1)
	}

	config := imagegrad.New()
	registry := gradients.NewRegistry()
	must.M(config.Done(registry))
	if *flagEligibility {
		printEligibility(config)
	}

	ctx := context.Background()
	samples := buildSamples(nodeTypes, dtype, *flagDynamic)
	results := must.M1(backward(ctx, registry, samples))
	printGradients(samples, results)

	if *flagRepeat > 1 {
		repeat(ctx, registry, nodeTypes, dtype, *flagRepeat-1)
	}
}

// parseDType accepts the full dtype names (e.g. "Float32", case-insensitive) or the short ones (e.g. "F32").
func parseDType(name string) (dtypes.DType, error) {
	dtype, err := dtypes.DTypeString(name)
	if err != nil {
		dtype = dtypes.InvalidDType
		for key, value := range dtypes.MapOfNames {
			if strings.EqualFold(key, name) {
				dtype = value
				break
			}
		}
	}
	if dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// parseOps parses a comma-separated list of image op names (case-insensitive). An empty list selects all
// of them. Each op can only be listed once.
func parseOps(list string) ([]graph.NodeType, error) {
	if list == "" {
		return imagegrad.NodeTypes(), nil
	}
	var nodeTypes []graph.NodeType
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		idx := slices.IndexFunc(imagegrad.NodeTypes(), func(nodeType graph.NodeType) bool {
			return strings.EqualFold(string(nodeType), name)
		})
		if idx < 0 {
			return nil, errors.Errorf("unknown image op %q, valid values are %v", name, imagegrad.NodeTypes())
		}
		nodeType := imagegrad.NodeTypes()[idx]
		if slices.Contains(nodeTypes, nodeType) {
			return nil, errors.Errorf("image op %q listed more than once", nodeType)
		}
		nodeTypes = append(nodeTypes, nodeType)
	}
	return nodeTypes, nil
}

// backward runs the gradient of all samples concurrently.
func backward(ctx context.Context, registry *gradients.Registry, samples []sample) ([][]gradients.Gradient, error) {
	requests := make([]gradients.Request, len(samples))
	for ii, s := range samples {
		requests[ii] = s.request
	}
	return registry.BackwardAll(ctx, requests, *flagParallelism)
}

// repeat builds numGraphs more graphs with the samples and their gradients, displaying a progress bar.
func repeat(ctx context.Context, registry *gradients.Registry, nodeTypes []graph.NodeType, dtype dtypes.DType, numGraphs int) {
	bar := progressbar.NewOptions(numGraphs,
		progressbar.OptionSetDescription("Building gradients"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("graphs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())
	var numNodes int
	for range numGraphs {
		samples := buildSamples(nodeTypes, dtype, *flagDynamic)
		_ = must.M1(backward(ctx, registry, samples))
		numNodes += samples[0].request.Node.Graph().NumNodes()
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Printf("Built %s more graphs, with a total of %s nodes.\n",
		humanize.Comma(int64(numGraphs)), humanize.Comma(int64(numNodes)))
}
