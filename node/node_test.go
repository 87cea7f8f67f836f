package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fedcare/hospital-node/checkpoints"
	"github.com/fedcare/hospital-node/config"
	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/models/resnet"
	"github.com/fedcare/hospital-node/training"
	"github.com/fedcare/hospital-node/vision/dataloader"
	"github.com/fedcare/hospital-node/vision/dataset"
	"github.com/fedcare/hospital-node/vision/preprocessing"
)

func tinyArch() resnet.Config {
	return resnet.Config{Blocks: [4]int{1, 1, 1, 1}, Widths: [4]int{4, 8, 8, 16}, NumClasses: 10, Seed: 3}
}

// weightsServer serves a safetensors snapshot of tinyArch and counts hits.
func weightsServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	model, err := resnet.New(tinyArch())
	if err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(t.TempDir(), "pretrained.safetensors")
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatSafetensors)
	if err := saver.SaveCheckpoint(checkpoints.FromModule(model, checkpoints.CheckpointMetadata{}), file); err != nil {
		t.Fatal(err)
	}
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.ServeFile(w, r, file)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func writePNG(t *testing.T, path string, shade uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 80, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 80; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// fixture builds a data folder with the given number of images per class.
func fixture(t *testing.T, counts map[string]int) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "data")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	for class, n := range counts {
		if err := os.MkdirAll(filepath.Join(root, class), 0o755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			writePNG(t, filepath.Join(root, class, fmt.Sprintf("img_%02d.png", i)), uint8(30*i))
		}
	}
	return root
}

func testConfig(t *testing.T, root, weightsURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = root
	cfg.Output = filepath.Join(t.TempDir(), "weights.safetensors")
	cfg.Seed = 11
	cfg.ResizeSize = 72
	cfg.CropSize = 64
	cfg.Weights.CacheDir = t.TempDir()
	cfg.Weights.SafetensorsURL = weightsURL
	return cfg
}

func run(t *testing.T, cfg *config.Config) (*Result, string, error) {
	t.Helper()
	var out bytes.Buffer
	res, err := Run(context.Background(), Options{
		Config: cfg,
		Out:    &out,
		Device: device.New(device.CPU, 1),
		Arch:   tinyArch(),
	})
	return res, out.String(), err
}

func TestValidateLayout(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		root := fixture(t, map[string]int{"Normal": 0, "Cancer": 0})
		if err := ValidateLayout(root, config.DefaultClasses); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("root missing", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "data")
		var layout *LayoutError
		if err := ValidateLayout(root, config.DefaultClasses); !errors.As(err, &layout) || !layout.RootMissing {
			t.Fatalf("err = %v, want root missing", err)
		}
	})

	t.Run("root is a file", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "data")
		if err := os.WriteFile(root, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		var layout *LayoutError
		if err := ValidateLayout(root, config.DefaultClasses); !errors.As(err, &layout) || !layout.RootMissing {
			t.Fatalf("err = %v, want root missing", err)
		}
	})

	t.Run("missing subfolders in required order", func(t *testing.T) {
		tests := []struct {
			present []string
			want    []string
		}{
			{nil, []string{"Normal", "Cancer"}},
			{[]string{"Normal"}, []string{"Cancer"}},
			{[]string{"Cancer", "Other"}, []string{"Normal"}},
		}
		for _, tt := range tests {
			counts := map[string]int{}
			for _, name := range tt.present {
				counts[name] = 0
			}
			root := fixture(t, counts)
			var layout *LayoutError
			err := ValidateLayout(root, config.DefaultClasses)
			if !errors.As(err, &layout) || layout.RootMissing {
				t.Fatalf("present %v: err = %v", tt.present, err)
			}
			if !reflect.DeepEqual(layout.Missing, tt.want) {
				t.Errorf("present %v: missing = %v, want %v", tt.present, layout.Missing, tt.want)
			}
		}
	})

	t.Run("file in place of a folder", func(t *testing.T) {
		root := fixture(t, map[string]int{"Normal": 0})
		if err := os.WriteFile(filepath.Join(root, "Cancer"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		var layout *LayoutError
		if err := ValidateLayout(root, config.DefaultClasses); !errors.As(err, &layout) || !reflect.DeepEqual(layout.Missing, []string{"Cancer"}) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestRunEndToEnd(t *testing.T) {
	srv, hits := weightsServer(t)
	root := fixture(t, map[string]int{"Normal": 4, "Cancer": 4})
	cfg := testConfig(t, root, srv.URL)

	res, out, err := run(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, out)
	}

	if res.Samples != 8 || res.Epoch.Batches != 2 || res.Epoch.Samples != 8 {
		t.Errorf("samples=%d batches=%d seen=%d", res.Samples, res.Epoch.Batches, res.Epoch.Samples)
	}
	if !reflect.DeepEqual(res.Classes, []string{"Cancer", "Normal"}) {
		t.Errorf("classes = %v", res.Classes)
	}
	var weighted float64
	for _, l := range res.Epoch.BatchLosses {
		weighted += l * 4
	}
	if diff := res.Epoch.AvgLoss - weighted/8; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("avg loss %v, want %v", res.Epoch.AvgLoss, weighted/8)
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("weights downloaded %d times", *hits)
	}

	entries, err := os.ReadDir(filepath.Dir(cfg.Output))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "weights.safetensors" {
		t.Errorf("output dir holds %v", entries)
	}

	for _, want := range []string{
		"HOSPITAL NODE",
		"Folder structure validated",
		"Scanning 8 images",
		"[Cancer, Normal]",
		"Running on: cpu",
		"Final loss:",
		"FILE GENERATED: " + cfg.Output,
		"Send ONLY this file to the central server",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report lacks %q:\n%s", want, out)
		}
	}

	ckpt, err := checkpoints.Open(cfg.Output)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fresh, err := resnet.New(tinyArch())
	if err != nil {
		t.Fatal(err)
	}
	if err := fresh.ReplaceHead(2); err != nil {
		t.Fatal(err)
	}
	if err := ckpt.Apply(fresh, true); err != nil {
		t.Fatalf("exported weights do not fit a fresh model: %v", err)
	}
	if got := ckpt.Metadata.Samples; got != 8 {
		t.Errorf("metadata samples = %d", got)
	}

	t.Run("same keys on a second run", func(t *testing.T) {
		first := ckpt.Names()
		cfg2 := testConfig(t, root, srv.URL)
		cfg2.Seed = 0
		if _, out, err := run(t, cfg2); err != nil {
			t.Fatalf("second run: %v\n%s", err, out)
		}
		second, err := checkpoints.Open(cfg2.Output)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, second.Names()) {
			t.Error("key sets differ between runs")
		}
	})

	t.Run("prefetching matches the synchronous run", func(t *testing.T) {
		cfg3 := testConfig(t, root, srv.URL)
		cfg3.Prefetch = 2
		got, out, err := run(t, cfg3)
		if err != nil {
			t.Fatalf("prefetching run: %v\n%s", err, out)
		}
		if !reflect.DeepEqual(got.Epoch.BatchLosses, res.Epoch.BatchLosses) {
			t.Errorf("losses %v, want %v", got.Epoch.BatchLosses, res.Epoch.BatchLosses)
		}
	})
}

func TestBatchSource(t *testing.T) {
	ds, err := dataset.NewImageFolderDataset(fixture(t, map[string]int{"Normal": 6, "Cancer": 6}), nil)
	if err != nil {
		t.Fatal(err)
	}
	pipeline, err := preprocessing.NewPipeline(preprocessing.Config{ResizeSize: 36, CropSize: 32, Std: preprocessing.ImageNetStd})
	if err != nil {
		t.Fatal(err)
	}
	newLoader := func(t *testing.T) *dataloader.DataLoader {
		t.Helper()
		loader, err := dataloader.New(ds, dataloader.Config{BatchSize: 4, Seed: 5, Pipeline: pipeline})
		if err != nil {
			t.Fatal(err)
		}
		return loader
	}

	t.Run("synchronous by default", func(t *testing.T) {
		loader := newLoader(t)
		src, stop := batchSource(context.Background(), loader, 0)
		defer stop()
		if src != training.BatchSource(loader) {
			t.Fatalf("got %T, want the loader itself", src)
		}
		time.Sleep(50 * time.Millisecond)
		if cur, total := loader.Progress(); cur != 0 || total != 12 {
			t.Errorf("progress %d/%d before the first Next", cur, total)
		}
		if _, err := src.Next(); err != nil {
			t.Fatal(err)
		}
		if cur, _ := loader.Progress(); cur != 4 {
			t.Errorf("progress %d after one batch", cur)
		}
	})

	t.Run("prefetch on request", func(t *testing.T) {
		loader := newLoader(t)
		src, stop := batchSource(context.Background(), loader, 2)
		defer stop()
		if _, ok := src.(*dataloader.Prefetcher); !ok {
			t.Fatalf("got %T, want a prefetcher", src)
		}
		var n int
		for {
			_, err := src.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			n++
		}
		if n != 3 {
			t.Errorf("%d batches, want 3", n)
		}
	})
}

func TestRunControlledFailures(t *testing.T) {
	srv, hits := weightsServer(t)

	tests := []struct {
		name   string
		root   func(t *testing.T) string
		check  func(t *testing.T, err error)
		report string
	}{
		{
			name: "root missing",
			root: func(t *testing.T) string { return filepath.Join(t.TempDir(), "data") },
			check: func(t *testing.T, err error) {
				var layout *LayoutError
				if !errors.As(err, &layout) || !layout.RootMissing {
					t.Errorf("err = %v", err)
				}
			},
			report: "CRITICAL ERROR",
		},
		{
			name: "no subfolders",
			root: func(t *testing.T) string { return fixture(t, nil) },
			check: func(t *testing.T, err error) {
				var layout *LayoutError
				if !errors.As(err, &layout) || !reflect.DeepEqual(layout.Missing, []string{"Normal", "Cancer"}) {
					t.Errorf("err = %v", err)
				}
			},
			report: "missing folders -> [Normal, Cancer]",
		},
		{
			name: "empty class folders",
			root: func(t *testing.T) string { return fixture(t, map[string]int{"Normal": 0, "Cancer": 0}) },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, dataset.ErrEmptyDataset) {
					t.Errorf("err = %v", err)
				}
			},
			report: "holds no images",
		},
		{
			name: "extra class",
			root: func(t *testing.T) string { return fixture(t, map[string]int{"Normal": 1, "Cancer": 1, "Other": 1}) },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrUnexpectedClasses) {
					t.Errorf("err = %v", err)
				}
			},
			report: "FAILURE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, tt.root(t), srv.URL)
			res, out, err := run(t, cfg)
			if res != nil || err == nil {
				t.Fatalf("Run succeeded: %+v", res)
			}
			if !IsControlled(err) {
				t.Errorf("%v is not a controlled error", err)
			}
			tt.check(t, err)
			if !strings.Contains(out, tt.report) {
				t.Errorf("report lacks %q:\n%s", tt.report, out)
			}
			if strings.Contains(out, "FILE GENERATED") {
				t.Error("success block printed on failure")
			}
			if _, err := os.Stat(cfg.Output); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("artifact exists after failure: %v", err)
			}
		})
	}
	if n := atomic.LoadInt32(hits); n != 0 {
		t.Errorf("weights fetched %d times before the data was validated", n)
	}
}

func TestRunUncontrolledFailures(t *testing.T) {
	root := fixture(t, map[string]int{"Normal": 2, "Cancer": 2})

	t.Run("weights unavailable offline", func(t *testing.T) {
		cfg := testConfig(t, root, "http://127.0.0.1:1/unused")
		cfg.Weights.Offline = true
		_, _, err := run(t, cfg)
		if err == nil || IsControlled(err) {
			t.Fatalf("err = %v, want an uncontrolled error", err)
		}
		if _, err := os.Stat(cfg.Output); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("artifact exists after failure: %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		srv, _ := weightsServer(t)
		cfg := testConfig(t, root, srv.URL)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Run(ctx, Options{Config: cfg, Device: device.New(device.CPU, 1), Arch: tinyArch()})
		if !errors.Is(err, context.Canceled) || IsControlled(err) {
			t.Fatalf("err = %v", err)
		}
		if _, err := os.Stat(cfg.Output); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("artifact exists after cancellation: %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t, root, "")
		cfg.BatchSize = 0
		if _, _, err := run(t, cfg); err == nil || IsControlled(err) {
			t.Fatalf("err = %v", err)
		}
	})
}
