package snapshot

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	pkgerrors "runbox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultMaxUnpackedBytes caps the decompressed size of one snapshot.
	DefaultMaxUnpackedBytes int64 = 64 << 20

	fileMode = 0644
)

// Build serializes files into a zstd-compressed tar. Entries are written in path order,
// so equal inputs produce equal blobs.
func Build(files map[string]string) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		if p == "" {
			return nil, pkgerrors.New(pkgerrors.InvalidSnapshotPath).WithMessage("empty file path")
		}
		if strings.HasSuffix(p, "/") {
			return nil, pkgerrors.Newf(pkgerrors.InvalidSnapshotPath, "file path %q names a directory", p)
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "create zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for _, p := range paths {
		content := files[p]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     p,
			Mode:     fileMode,
			Size:     int64(len(content)),
			ModTime:  time.Unix(0, 0),
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			_ = zw.Close()
			return nil, pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "write header %q: %v", p, err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			_ = zw.Close()
			return nil, pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "write %q: %v", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return nil, pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "close zstd: %v", err)
	}
	return buf.Bytes(), nil
}

// Unpack reverses Build. Any decode failure, including truncation, is a SnapshotCorrupt error.
// A repeated path keeps the last entry.
func Unpack(blob []byte) (map[string]string, error) {
	return UnpackLimit(blob, DefaultMaxUnpackedBytes)
}

// UnpackLimit is Unpack with an explicit cap on the total decompressed file size.
func UnpackLimit(blob []byte, maxBytes int64) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, corrupt(errors.New("empty blob"))
	}
	zr, err := zstd.NewReader(bytes.NewReader(blob), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, corrupt(err)
	}
	defer zr.Close()

	files := make(map[string]string)
	var total int64
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, corrupt(err)
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
		case tar.TypeDir:
			continue
		default:
			return nil, corrupt(fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name))
		}
		if hdr.Name == "" {
			return nil, corrupt(errors.New("entry without a name"))
		}
		total += hdr.Size
		if hdr.Size < 0 || (maxBytes > 0 && total > maxBytes) {
			return nil, corrupt(fmt.Errorf("snapshot exceeds %d bytes", maxBytes))
		}
		var content bytes.Buffer
		content.Grow(int(hdr.Size))
		if _, err := io.CopyN(&content, tr, hdr.Size); err != nil {
			return nil, corrupt(err)
		}
		files[hdr.Name] = content.String()
	}
}

func corrupt(err error) error {
	return pkgerrors.Wrapf(err, pkgerrors.SnapshotCorrupt, "corrupt snapshot: %v", err)
}
