package submission

import (
	"archive/zip"
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

// NamedFile is one uploaded part of a submission: its form name and content.
type NamedFile struct {
	Name string
	Data []byte
}

// BundleArtifacts packs the uploaded files into a single zip archive, one
// entry per file, in the order given.
func BundleArtifacts(files []NamedFile) ([]byte, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files to bundle", common.ErrInvalidInput)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		entry, err := zw.Create(f.Name)
		if err != nil {
			return nil, fmt.Errorf("create archive entry %s: %w", f.Name, err)
		}
		if _, err := entry.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write archive entry %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// NewArtifactKey returns a globally unique object name for one archive. The
// key is random and independent of content; it never changes after the
// submission record is created.
func NewArtifactKey() string {
	return uuid.New().String() + common.ArtifactExtension
}
