// Package compiler packages CODE action sources into the artifact
// bundles staged into sandboxes: a gzipped tar holding the source file
// plus a small manifest.
package compiler

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/flowdeck/flowdeck/internal/apperr"
)

// SourceFileName is the entry point inside a packaged artifact.
const SourceFileName = "index.js"

type manifest struct {
	Entry     string    `json:"entry"`
	BuiltAt   time.Time `json:"built_at"`
	SizeBytes int       `json:"size_bytes"`
}

// Build packages a CODE action's source into an artifact bundle.
// Malformed (empty) source aborts the enclosing operation before any
// job is enqueued.
func Build(source []byte) ([]byte, error) {
	if len(strings.TrimSpace(string(source))) == 0 {
		return nil, apperr.New(apperr.CodeArtifactBuildFailure, "source is empty", nil)
	}

	m, err := json.Marshal(manifest{
		Entry:     SourceFileName,
		BuiltAt:   time.Now().UTC(),
		SizeBytes: len(source),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeArtifactBuildFailure, err, nil)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	files := []struct {
		name string
		data []byte
	}{
		{SourceFileName, source},
		{"manifest.json", m},
	}
	for _, f := range files {
		hdr := &tar.Header{
			Name: f.name,
			Mode: 0o644,
			Size: int64(len(f.data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, apperr.Wrap(apperr.CodeArtifactBuildFailure, err, nil)
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, apperr.Wrap(apperr.CodeArtifactBuildFailure, err, nil)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, apperr.Wrap(apperr.CodeArtifactBuildFailure, err, nil)
	}
	if err := gz.Close(); err != nil {
		return nil, apperr.Wrap(apperr.CodeArtifactBuildFailure, err, nil)
	}
	return buf.Bytes(), nil
}

// Extract reads a packaged artifact back into its files, keyed by name.
func Extract(artifact []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(artifact))
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read artifact: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read artifact entry %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = data
	}
	return files, nil
}
