package dataset

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// createTestSplit writes empty files named after the given images under root/split/class
func createTestSplit(t *testing.T, fs afero.Fs, root, split string, files map[string][]string) {
	t.Helper()
	for class, names := range files {
		dir := filepath.Join(root, split, class)
		if err := fs.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
		for _, name := range names {
			if err := afero.WriteFile(fs, filepath.Join(dir, name), []byte("img"), 0644); err != nil {
				t.Fatalf("Failed to write %s: %v", name, err)
			}
		}
	}
}

func TestIndexLabelsAndOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestSplit(t, fs, "/data", "train", map[string][]string{
		ForeignerCardBack: {"b.jpg", "a.PNG", "c.JpEg", "notes.txt"},
		OtherDocuments:    {"x.jpeg", "y.gif"},
	})
	if err := fs.MkdirAll("/data/train/foreigner_card_back/nested.jpg", 0755); err != nil {
		t.Fatal(err)
	}

	samples, err := Index(fs, "/data", Train, zap.NewNop())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	wantPaths := []string{
		"/data/train/foreigner_card_back/a.PNG",
		"/data/train/foreigner_card_back/b.jpg",
		"/data/train/foreigner_card_back/c.JpEg",
		"/data/train/other_documents/x.jpeg",
	}
	wantLabels := []int{1, 1, 1, 0}

	if samples.Len() != len(wantPaths) {
		t.Fatalf("Expected %d samples, got %d: %v", len(wantPaths), samples.Len(), samples.Paths)
	}
	for i := range wantPaths {
		if samples.Paths[i] != wantPaths[i] {
			t.Errorf("path %d: expected %s, got %s", i, wantPaths[i], samples.Paths[i])
		}
		if samples.Labels[i] != wantLabels[i] {
			t.Errorf("label %d: expected %d, got %d", i, wantLabels[i], samples.Labels[i])
		}
	}

	neg, pos := samples.Counts()
	if neg != 1 || pos != 3 {
		t.Errorf("Expected counts (1, 3), got (%d, %d)", neg, pos)
	}
}

func TestIndexMissingClassFolderWarns(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestSplit(t, fs, "/data", "validation", map[string][]string{
		OtherDocuments: {"1.jpg", "2.jpg"},
	})

	core, logs := observer.New(zap.WarnLevel)
	samples, err := Index(fs, "/data", Validation, zap.New(core))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	neg, pos := samples.Counts()
	if neg != 2 || pos != 0 {
		t.Errorf("Expected counts (2, 0), got (%d, %d)", neg, pos)
	}
	if logs.FilterMessage("class folder missing, counting zero images").Len() != 1 {
		t.Errorf("Expected one missing-folder warning, got %v", logs.All())
	}
}

func TestIndexMissingSplitIsEmpty(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	samples, err := Index(afero.NewMemMapFs(), "/nowhere", Train, zap.New(core))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if samples.Len() != 0 {
		t.Errorf("Expected empty split, got %d samples", samples.Len())
	}
	if logs.FilterMessage("split is empty").Len() != 1 {
		t.Errorf("Expected empty-split warning, got %v", logs.All())
	}
}

func TestIsImage(t *testing.T) {
	tests := map[string]bool{
		"a.jpg":  true,
		"a.JPG":  true,
		"a.jpeg": true,
		"a.Png":  true,
		"a.gif":  false,
		"a":      false,
		"jpg":    false,
	}
	for name, want := range tests {
		if got := IsImage(name); got != want {
			t.Errorf("IsImage(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSamplesAccessors(t *testing.T) {
	s := &Samples{Split: Train, Paths: []string{"a", "b", "c"}, Labels: []int{1, 0, 1}}

	path, label, err := s.GetItem(1)
	if err != nil || path != "b" || label != 0 {
		t.Errorf("GetItem(1) = %q, %d, %v", path, label, err)
	}
	if _, _, err := s.GetItem(3); err == nil {
		t.Errorf("Expected out of range error")
	}

	sub := s.Subset([]int{2, 0})
	if sub.Len() != 2 || sub.Paths[0] != "c" || sub.Labels[1] != 1 {
		t.Errorf("unexpected subset %+v", sub)
	}

	dist := s.ClassDistribution()
	if dist[ForeignerCardBack] != 2 || dist[OtherDocuments] != 1 {
		t.Errorf("unexpected distribution %v", dist)
	}
	if got := s.String(); got != "train: 3 images (foreigner_card_back=2, other_documents=1)" {
		t.Errorf("unexpected String() %q", got)
	}
}
