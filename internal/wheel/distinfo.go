package wheel

import (
	"time"

	"github.com/wheelforge-build/wheelforge/internal/settings"
)

// NamedFile is one dist-info member.
type NamedFile struct {
	Name string
	Data []byte
}

// DistInfoContents renders the dist-info members in their fixed order.
// sourceDir resolves the readme reference; pass "" to skip the body.
func DistInfoContents(meta *settings.ProjectMetadata, tag Tag, sourceDir string) ([]NamedFile, error) {
	core, err := meta.CoreMetadata(sourceDir)
	if err != nil {
		return nil, err
	}
	files := []NamedFile{
		{Name: "METADATA", Data: core},
		{Name: "WHEEL", Data: wheelMetadata(tag)},
	}
	if ep := meta.EntryPoints(); len(ep) > 0 {
		files = append(files, NamedFile{Name: "entry_points.txt", Data: ep})
	}
	return files, nil
}

func wheelMetadata(tag Tag) []byte {
	body := "Wheel-Version: 1.0\n" +
		"Generator: " + Generator + "\n" +
		"Root-Is-Purelib: false\n" +
		"Tag: " + tag.String() + "\n"
	return []byte(body)
}

// WriteDistInfo appends the dist-info members (everything except RECORD,
// which Finalize owns) to the archive.
func (w *Writer) WriteDistInfo(meta *settings.ProjectMetadata, sourceDir string) error {
	contents, err := DistInfoContents(meta, w.Tag, sourceDir)
	if err != nil {
		return err
	}
	for _, file := range contents {
		if err := w.Add(w.DistInfo()+"/"+file.Name, file.Data, 0o644, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}
