package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/logging"
)

// Class folder names. The index of a name in ClassNames is its label.
const (
	OtherDocuments    = "other_documents"
	ForeignerCardBack = "foreigner_card_back"
)

// ClassNames maps labels to class folder names: 0 is other_documents, 1 is
// foreigner_card_back.
var ClassNames = []string{OtherDocuments, ForeignerCardBack}

// Extensions accepted as images, compared case-insensitively.
var Extensions = []string{".jpg", ".jpeg", ".png"}

// Split names a dataset partition on disk.
type Split int

const (
	Train Split = iota
	Validation
)

func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Samples is the flat, index-aligned list of image paths and labels of one split.
type Samples struct {
	Split  Split
	Paths  []string
	Labels []int
}

// Index walks <root>/<split>/{foreigner_card_back,other_documents} and returns
// every image it finds, target class first. A missing split or class folder
// yields zero samples for it and a warning; only unreadable directories are
// errors.
func Index(fs afero.Fs, root string, split Split, log *zap.Logger) (*Samples, error) {
	log = logging.OrNop(log)
	samples := &Samples{Split: split}
	splitDir := filepath.Join(root, split.String())

	for _, label := range []int{1, 0} {
		classDir := filepath.Join(splitDir, ClassNames[label])
		paths, err := listImages(fs, classDir)
		if os.IsNotExist(errors.Cause(err)) {
			log.Warn("class folder missing, counting zero images",
				zap.String("split", split.String()),
				zap.String("class", ClassNames[label]),
				zap.String("path", classDir))
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			log.Warn("class folder has no images",
				zap.String("split", split.String()),
				zap.String("class", ClassNames[label]),
				zap.String("path", classDir))
		}
		for _, p := range paths {
			samples.Paths = append(samples.Paths, p)
			samples.Labels = append(samples.Labels, label)
		}
	}

	neg, pos := samples.Counts()
	if samples.Len() == 0 {
		log.Warn("split is empty", zap.String("split", split.String()), zap.String("path", splitDir))
	} else {
		log.Info("indexed split",
			zap.String("split", split.String()),
			zap.Int(ForeignerCardBack, pos),
			zap.Int(OtherDocuments, neg))
	}
	return samples, nil
}

func listImages(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// IsImage reports whether name carries an accepted image extension.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Len returns the number of samples
func (s *Samples) Len() int {
	return len(s.Paths)
}

// GetItem returns the image path and label at the given index
func (s *Samples) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(s.Paths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(s.Paths))
	}
	return s.Paths[index], s.Labels[index], nil
}

// Counts returns the number of label-0 and label-1 samples.
func (s *Samples) Counts() (neg, pos int) {
	for _, l := range s.Labels {
		if l == 1 {
			pos++
		} else {
			neg++
		}
	}
	return neg, pos
}

// ClassDistribution returns the number of samples per class name
func (s *Samples) ClassDistribution() map[string]int {
	neg, pos := s.Counts()
	return map[string]int{OtherDocuments: neg, ForeignerCardBack: pos}
}

// Subset returns the samples at the given indices
func (s *Samples) Subset(indices []int) *Samples {
	sub := &Samples{
		Split:  s.Split,
		Paths:  make([]string, len(indices)),
		Labels: make([]int, len(indices)),
	}
	for i, idx := range indices {
		sub.Paths[i] = s.Paths[idx]
		sub.Labels[i] = s.Labels[idx]
	}
	return sub
}

func (s *Samples) String() string {
	neg, pos := s.Counts()
	return fmt.Sprintf("%s: %d images (%s=%d, %s=%d)", s.Split, s.Len(), ForeignerCardBack, pos, OtherDocuments, neg)
}
