// Package wheel writes wheel archives: a zip container with a fixed
// dist-info layout and a RECORD of content hashes, reproducible
// bit-for-bit from the same inputs.
package wheel

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Generator identifies this backend in WHEEL metadata.
const Generator = "wheelforge 0.1.0"

// minTimestamp is 1980-01-01 00:00:00 UTC; the zip format cannot
// represent anything earlier.
const minTimestamp = 315532800

// Writer assembles one wheel. The archive is written to a temporary name
// and only renamed into place by Finalize, so a failed build never leaves
// a partial wheel at the final path.
type Writer struct {
	NameVer string
	Tag     Tag
	// Progress, when set, receives every payload byte for UX reporting.
	Progress interface{ Write([]byte) (int, error) }

	dir       string
	tmpPath   string
	file      *os.File
	zw        *zip.Writer
	records   []recordRow
	fixedTime *time.Time // SOURCE_DATE_EPOCH, when set
}

type recordRow struct {
	path string
	hash string
	size int
}

// NewWriter opens a temporary archive in dir. environ supplies
// SOURCE_DATE_EPOCH for timestamp normalization.
func NewWriter(nameVer string, tag Tag, dir string, environ map[string]string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString()+".whl")
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		NameVer: nameVer,
		Tag:     tag,
		dir:     dir,
		tmpPath: tmpPath,
		file:    f,
		zw:      zip.NewWriter(f),
	}
	if sde, ok := environ["SOURCE_DATE_EPOCH"]; ok && sde != "" {
		if epoch, err := strconv.ParseInt(sde, 10, 64); err == nil {
			t := time.Unix(max(epoch, minTimestamp), 0).UTC()
			w.fixedTime = &t
		}
	}
	return w, nil
}

// Filename is the final wheel name, {name}-{version}-{tag}.whl.
func (w *Writer) Filename() string {
	return w.NameVer + "-" + w.Tag.String() + ".whl"
}

// DistInfo is the metadata directory name inside the archive.
func (w *Writer) DistInfo() string {
	return w.NameVer + ".dist-info"
}

func (w *Writer) timestamp(mtime time.Time) time.Time {
	if w.fixedTime != nil {
		return *w.fixedTime
	}
	if mtime.IsZero() {
		mtime = time.Now()
	}
	if mtime.Unix() < minTimestamp {
		mtime = time.Unix(minTimestamp, 0)
	}
	return mtime.UTC()
}

// Add writes one archive member and records its content hash.
func (w *Writer) Add(archivePath string, data []byte, mode fs.FileMode, mtime time.Time) error {
	hdr := &zip.FileHeader{
		Name:     archivePath,
		Method:   zip.Deflate,
		Modified: w.timestamp(mtime),
	}
	hdr.SetMode(mode)

	member, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := member.Write(data); err != nil {
		return err
	}
	if w.Progress != nil {
		w.Progress.Write(data)
	}

	sum := sha256.Sum256(data)
	w.records = append(w.records, recordRow{
		path: archivePath,
		hash: "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:]),
		size: len(data),
	})
	return nil
}

// AddFile copies a file from disk, preserving its mode bits.
func (w *Writer) AddFile(archivePath, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	return w.Add(archivePath, data, info.Mode(), info.ModTime())
}

// Finalize writes the RECORD, closes the archive and renames it into
// place, returning the final path.
func (w *Writer) Finalize() (string, error) {
	record := w.DistInfo() + "/RECORD"
	var data []byte
	for _, row := range w.records {
		data = append(data, fmt.Sprintf("%s,%s,%d\n", row.path, row.hash, row.size)...)
	}
	data = append(data, (record + ",,\n")...)

	hdr := &zip.FileHeader{
		Name:     record,
		Method:   zip.Deflate,
		Modified: w.timestamp(time.Time{}),
	}
	hdr.SetMode(0o644)
	member, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return "", err
	}
	if _, err := member.Write(data); err != nil {
		return "", err
	}

	if err := w.zw.Close(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	finalPath := filepath.Join(w.dir, w.Filename())
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

// Abort discards the temporary archive.
func (w *Writer) Abort() {
	w.zw.Close()
	w.file.Close()
	os.Remove(w.tmpPath)
}
