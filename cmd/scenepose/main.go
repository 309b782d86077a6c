// scenepose loads glTF models into GPU memory pools and drives their
// animation, reporting the resulting layout and per-frame pose writes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/anim"
	"github.com/Faultbox/scenepose/internal/config"
	"github.com/Faultbox/scenepose/internal/engine"
	"github.com/Faultbox/scenepose/internal/gltf"
	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/gpu/gldevice"
	"github.com/Faultbox/scenepose/internal/layout"
	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/pool"
	"github.com/Faultbox/scenepose/internal/pose"
	"github.com/Faultbox/scenepose/internal/scenegraph"
)

func main() {
	flag.Usage = printUsage
	config.ParseFlags()
	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "info":
		err = cmdInfo(args)
	case "layout":
		err = cmdLayout(cfg, args)
	case "play":
		err = cmdPlay(cfg, args)
	case "config":
		err = cmdConfig(cfg, args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		logger.Component("cli").Error("command failed", zap.String("command", command), zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`scenepose - GPU layout planner and pose driver for glTF models

Usage:
  scenepose [flags] <command> [options]

Commands:
  info <model.gltf>                  Show model contents and limits
  layout <model.gltf>                Load the model and print its layout
  play <model.gltf>                  Run animation frames and print pose stats
  config [path]                      Print the effective config, or save it

Flags:
  -config <file>   Config file
  -device <name>   Device backend (null, gl)
  -workers <n>     Worker goroutines
  -unified         Treat device memory as unified (null device)
  -debug           Debug logging

Examples:
  scenepose info fox.glb
  scenepose -device gl layout fox.glb
  scenepose play -anim 1 -frames 120 fox.glb`)
}

func cmdInfo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: scenepose info <model.gltf>")
	}
	m, err := gltf.Load(args[0])
	if err != nil {
		return err
	}

	var pixels uint64
	for _, img := range m.Images {
		pixels += uint64(len(img.Pixels))
	}
	fmt.Printf("Model:      %s\n", args[0])
	fmt.Printf("Nodes:      %d\n", len(m.Nodes))
	fmt.Printf("Meshes:     %d\n", len(m.Meshes))
	fmt.Printf("Skins:      %d\n", len(m.Skins))
	fmt.Printf("Materials:  %d\n", len(m.Materials))
	fmt.Printf("Images:     %d (%s)\n", len(m.Images), datasize.ByteSize(pixels).HumanReadable())
	fmt.Printf("Scenes:     %d (default %d)\n", len(m.Scenes), m.Scene)

	if len(m.Animations) > 0 {
		fmt.Println()
		fmt.Println("Animations:")
		for i := range m.Animations {
			a := &m.Animations[i]
			fmt.Printf("  %3d  %-24s %6.2fs  %d targets\n", i, a.Name, a.Duration(), len(a.Targets))
		}
	}

	roots, err := m.Roots(nil)
	if err != nil {
		return err
	}
	counts, err := scenegraph.Count(m, roots)
	if err != nil {
		fmt.Printf("\nLimits:     %v\n", err)
		return nil
	}
	instances := 0
	for _, n := range counts.Instances {
		instances += n
	}
	fmt.Printf("\nInstances:  %d mesh instances over %d nodes\n", instances, counts.Nodes)
	return nil
}

// openDevice creates the device named by the config.
func openDevice(cfg *config.Config) (gpu.Device, error) {
	switch cfg.Device.Backend {
	case config.BackendGL:
		return gldevice.New(gldevice.Options{MaxSamplers: cfg.Device.MaxSamplers})
	default:
		return gpu.NewNullDevice(cfg.Device.Caps()), nil
	}
}

// session is an engine with one loaded model.
type session struct {
	engine *engine.Engine
	inst   *engine.Instance
	model  *model.Model
}

func open(cfg *config.Config, path string, scenes []int) (*session, error) {
	m, err := gltf.Load(path)
	if err != nil {
		return nil, err
	}
	dev, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(cfg, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	inst, err := e.Load(context.Background(), m, layout.Options{Scenes: scenes})
	if err != nil {
		e.Close(context.Background())
		return nil, fmt.Errorf("%s: %w", layout.ResultOf(err), err)
	}
	return &session{engine: e, inst: inst, model: m}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.engine.Close(ctx); err != nil {
		logger.Component("cli").Warn("engine close", zap.Error(err))
	}
}

func cmdLayout(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("layout", flag.ExitOnError)
	scene := fs.Int("scene", -1, "Scene to load (-1 = default)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: scenepose layout [-scene n] <model.gltf>")
	}

	var scenes []int
	if *scene >= 0 {
		scenes = []int{*scene}
	}
	s, err := open(cfg, fs.Arg(0), scenes)
	if err != nil {
		return err
	}
	defer s.close()

	l := s.inst.Layout()
	fmt.Printf("Result:     %s\n", s.inst.Result())
	fmt.Printf("Target:     %s\n", l.Target)
	fmt.Println()
	fmt.Println("Regions:")
	for _, r := range []struct {
		name   string
		region pool.Region
	}{
		{"bind", l.Bind},
		{"staging", l.Staging},
		{"image", l.ImageRegion},
		{"descriptor-resource", l.DescriptorResource},
		{"descriptor-sampler", l.DescriptorSampler},
	} {
		fmt.Printf("  %-20s %10d..%-10d %s\n", r.name, r.region.Offset, r.region.End(),
			datasize.ByteSize(r.region.Size).HumanReadable())
	}

	fmt.Println()
	fmt.Println("Transforms:")
	for mesh, blk := range l.Transforms {
		if blk.Instances == 0 {
			continue
		}
		fmt.Printf("  mesh %-4d offset %-8d stride %-5d instances %-4d joints %-3d morph %d\n",
			mesh, blk.Offset, blk.Stride, blk.Instances, blk.Joints, blk.MorphTargets)
	}

	fmt.Println()
	fmt.Printf("Draws:      %d over %d pipelines\n", len(l.Draws), len(l.Pipelines))
	for i, d := range l.Draws {
		fmt.Printf("  %3d  mesh %-4d prim %-2d count %-7d pipeline %d\n", i, d.Mesh, d.Primitive, d.Count, d.Pipeline)
	}

	fmt.Println()
	fmt.Println("Pools:")
	for _, st := range s.engine.PoolStats() {
		fmt.Printf("  %s\n", st)
	}
	return nil
}

func cmdPlay(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	animation := fs.Int("anim", 0, "Animation index")
	frames := fs.Int("frames", 60, "Frames to run")
	fps := fs.Float64("fps", 60, "Frame rate of the simulated clock")
	verbose := fs.Bool("v", false, "Print every frame")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: scenepose play [-anim i] [-frames n] [-fps f] <model.gltf>")
	}

	s, err := open(cfg, fs.Arg(0), nil)
	if err != nil {
		return err
	}
	defer s.close()

	player := anim.NewPlayer(cfg.Animation.Speed, cfg.Animation.Loop)
	if *animation < len(s.model.Animations) {
		player.Play(s.model, *animation)
	}

	dt := float32(1 / *fps)
	var total pose.Stats
	start := time.Now()
	for f := range *frames {
		clips := player.Advance(dt)
		st, err := s.inst.Update(context.Background(), clips)
		if err != nil {
			return fmt.Errorf("frame %d: %w", f, err)
		}
		total.Add(st)
		if *verbose {
			t := float32(0)
			if len(clips) > 0 {
				t = clips[0].Time
			}
			fmt.Printf("frame %4d  t=%6.3f  instances %d  joints %d  matrices %d  weights %d\n",
				f, t, st.Instances, st.JointWrites, st.MatrixWrites, st.WeightWrites)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("Frames:     %d in %s (%.1f µs/frame)\n", *frames, elapsed.Round(time.Microsecond),
		float64(elapsed.Microseconds())/float64(max(*frames, 1)))
	fmt.Printf("Instances:  %d\n", total.Instances)
	fmt.Printf("Joints:     %d\n", total.JointWrites)
	fmt.Printf("Matrices:   %d\n", total.MatrixWrites)
	fmt.Printf("Weights:    %d\n", total.WeightWrites)
	if total.Skipped > 0 {
		fmt.Printf("Skipped:    %d\n", total.Skipped)
	}
	return nil
}

func cmdConfig(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		if err := cfg.SaveTo(args[0]); err != nil {
			return err
		}
		fmt.Printf("Saved config to %s\n", args[0])
		return nil
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}
