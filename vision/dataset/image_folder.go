package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

var (
	// ErrRootNotFound is returned when the dataset root does not exist.
	ErrRootNotFound = errors.New("dataset root not found")
	// ErrEmptyDataset is returned when no class folder holds an image.
	ErrEmptyDataset = errors.New("dataset contains no images")
)

// ReadError wraps a filesystem failure while scanning the dataset.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DefaultExtensions are the image types recognised when none are given.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset scans root. Classes are the sorted immediate
// subdirectories holding at least one image; a class's label is its index
// in that order. Images are collected recursively within each class folder
// and matched on extension case-insensitively.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	case err != nil:
		return nil, &ReadError{Path: root, Err: err}
	case !info.IsDir():
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &ReadError{Path: root, Err: err}
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classToIdx: make(map[string]int),
	}
	for _, entry := range entries {
		classPath := filepath.Join(root, entry.Name())
		if !isDir(entry, classPath) {
			continue
		}

		files, err := findImages(classPath, allowed)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			klog.V(2).InfoS("Skipping class folder without images", "folder", classPath)
			continue
		}

		classIdx := len(dataset.classNames)
		dataset.classNames = append(dataset.classNames, entry.Name())
		dataset.classToIdx[entry.Name()] = classIdx
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("%w: no files with extensions %v under %s", ErrEmptyDataset, extensions, root)
	}
	klog.V(1).InfoS("Scanned image folder", "root", root, "samples", len(dataset.imagePaths), "classes", dataset.classNames)
	return dataset, nil
}

// isDir follows symlinked class folders.
func isDir(entry fs.DirEntry, path string) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// findImages walks dir in lexical order. Symlinked directories are followed;
// a directory reached twice through links is scanned once.
func findImages(dir string, allowed map[string]bool) ([]string, error) {
	var files []string
	visited := make(map[string]bool)
	var walk func(path string) error
	walk = func(path string) error {
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return &ReadError{Path: path, Err: err}
		}
		if visited[real] {
			return nil
		}
		visited[real] = true

		entries, err := os.ReadDir(path)
		if err != nil {
			return &ReadError{Path: path, Err: err}
		}
		for _, entry := range entries {
			child := filepath.Join(path, entry.Name())
			if isDir(entry, child) {
				if err := walk(child); err != nil {
					return err
				}
				continue
			}
			if allowed[strings.ToLower(filepath.Ext(child))] {
				files = append(files, child)
			}
		}
		return nil
	}
	if err := walk(dir); err != nil {
		return nil, err
	}
	return files, nil
}

// Root returns the scanned directory.
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassIndex returns the label of a class name.
func (d *ImageFolderDataset) ClassIndex(name string) (int, bool) {
	idx, ok := d.classToIdx[name]
	return idx, ok
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		className := d.classNames[label]
		dist[className]++
	}
	return dist
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
