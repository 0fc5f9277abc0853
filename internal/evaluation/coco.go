package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// ErrInvalidDataset is returned when an annotation file exists but cannot
// be parsed.
var ErrInvalidDataset = errors.New("invalid dataset")

// maxDatasetBytes bounds annotation and prediction files.
const maxDatasetBytes = 256 << 20

// Image is a COCO image record.
type Image struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Annotation is a COCO instance annotation. BBox is [x, y, w, h].
type Annotation struct {
	ID         int        `json:"id"`
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
}

// Category is a COCO category record.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Dataset is the subset of a COCO annotation file the evaluator reads.
type Dataset struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// Prediction is one entry of a COCO results file.
type Prediction struct {
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
	Score      float64    `json:"score"`
}

// LoadDataset reads a COCO annotation file. A missing file yields an empty
// dataset so evaluation degrades to zero metrics.
func LoadDataset(path string) (*Dataset, error) {
	var ds Dataset
	found, err := readJSON(path, &ds)
	if err != nil {
		return nil, err
	}
	if !found {
		monitoring.Logf("evaluation: dataset %s not found, using empty ground truth", path)
	}
	return &ds, nil
}

// LoadPredictions reads a COCO results file. A missing file yields no
// predictions.
func LoadPredictions(path string) ([]Prediction, error) {
	var preds []Prediction
	found, err := readJSON(path, &preds)
	if err != nil {
		return nil, err
	}
	if !found {
		monitoring.Logf("evaluation: predictions %s not found, scoring against none", path)
	}
	return preds, nil
}

func readJSON(path string, dst any) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxDatasetBytes {
		return false, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrInvalidDataset, path, info.Size(), maxDatasetBytes)
	}
	if err := json.NewDecoder(f).Decode(dst); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidDataset, path, err)
	}
	return true, nil
}

// categoryName resolves a category id to its name, falling back to the id.
func (d *Dataset) categoryName(id int) string {
	for _, c := range d.Categories {
		if c.ID == id && c.Name != "" {
			return c.Name
		}
	}
	return strconv.Itoa(id)
}

// GroundTruth groups annotations by image as corner-form boxes.
func (d *Dataset) GroundTruth() map[int][]perception.BoundingBox {
	out := make(map[int][]perception.BoundingBox)
	for _, a := range d.Annotations {
		b := perception.BoxFromXYWH(a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3])
		b.Score = 1
		b.ClassLabel = d.categoryName(a.CategoryID)
		out[a.ImageID] = append(out[a.ImageID], b)
	}
	return out
}

// GroupPredictions groups predictions by image, resolving category names
// through d.
func (d *Dataset) GroupPredictions(preds []Prediction) map[int][]perception.BoundingBox {
	out := make(map[int][]perception.BoundingBox)
	for _, p := range preds {
		b := perception.BoxFromXYWH(p.BBox[0], p.BBox[1], p.BBox[2], p.BBox[3])
		b.Score = p.Score
		b.ClassLabel = d.categoryName(p.CategoryID)
		out[p.ImageID] = append(out[p.ImageID], b)
	}
	return out
}

// ClassNames returns category names sorted by id.
func (d *Dataset) ClassNames() []string {
	cats := append([]Category{}, d.Categories...)
	sort.Slice(cats, func(i, j int) bool { return cats[i].ID < cats[j].ID })
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, d.categoryName(c.ID))
	}
	return names
}
