package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Evidence file names written by SaveEvidence.
const (
	StatusFile = "status"
	StdoutFile = "stdout"
	StderrFile = "stderr"

	compressedSuffix = ".zst"
)

// SaveEvidence writes the exit status, stdout and stderr of out into dir.
// With compress set, stdout and stderr are zstd-compressed and get a .zst
// suffix; status is always plain text.
func SaveEvidence(dir string, out *Output, compress bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save evidence: mkdir %q: %w", dir, err)
	}
	if err := writeFileAtomic(dir, StatusFile, []byte(out.Status+"\n")); err != nil {
		return fmt.Errorf("save evidence: %w", err)
	}

	streams := []struct {
		name string
		data []byte
	}{
		{StdoutFile, out.Stdout},
		{StderrFile, out.Stderr},
	}
	for _, s := range streams {
		name, data := s.name, s.data
		if compress {
			enc, err := compressZstd(data)
			if err != nil {
				return fmt.Errorf("save evidence: compress %s: %w", name, err)
			}
			name, data = name+compressedSuffix, enc
		}
		if err := writeFileAtomic(dir, name, data); err != nil {
			return fmt.Errorf("save evidence: %w", err)
		}
	}
	return nil
}

// ReadEvidenceStream reads back a stream written by SaveEvidence, handling
// both the plain and the compressed form.
func ReadEvidenceStream(dir, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	f, zerr := os.Open(filepath.Join(dir, name+compressedSuffix))
	if zerr != nil {
		return nil, err
	}
	defer f.Close()
	dec, zerr := zstd.NewReader(f)
	if zerr != nil {
		return nil, fmt.Errorf("read evidence %s: %w", name, zerr)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-tmp-*")
	if err != nil {
		return fmt.Errorf("tmpfile for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
