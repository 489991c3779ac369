package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ProjectMetadata is the subset of the [project] table needed to emit
// core metadata into wheels and sdists.
type ProjectMetadata struct {
	Name           string            `toml:"name"`
	Version        string            `toml:"version"`
	Description    string            `toml:"description"`
	Readme         string            `toml:"readme"`
	RequiresPython string            `toml:"requires-python"`
	License        string            `toml:"license"`
	Keywords       []string          `toml:"keywords"`
	Classifiers    []string          `toml:"classifiers"`
	Dependencies   []string          `toml:"dependencies"`
	URLs           map[string]string `toml:"urls"`
	Authors        []Contact         `toml:"authors"`
	Scripts        map[string]string `toml:"scripts"`
	GUIScripts     map[string]string `toml:"gui-scripts"`
}

type Contact struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

var nonAlnum = regexp.MustCompile(`[-_.]+`)

// NormalizedName returns the PEP 503 normalized name with dashes replaced
// by underscores, the form used in wheel and dist-info file names.
func (m *ProjectMetadata) NormalizedName() string {
	return strings.ReplaceAll(nonAlnum.ReplaceAllString(strings.ToLower(m.Name), "-"), "-", "_")
}

// NameVer returns the "{name}-{version}" prefix shared by the dist-info
// and data directories. Dashes in the version act as local separators.
func (m *ProjectMetadata) NameVer() string {
	return m.NormalizedName() + "-" + strings.ReplaceAll(m.Version, "-", "_")
}

// CoreMetadata renders the METADATA / PKG-INFO body. sourceDir is used to
// resolve a readme file reference; pass "" to omit the description body.
func (m *ProjectMetadata) CoreMetadata(sourceDir string) ([]byte, error) {
	var sb strings.Builder
	field := func(key, value string) {
		if value != "" {
			sb.WriteString(key)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\n")
		}
	}

	field("Metadata-Version", "2.1")
	field("Name", m.Name)
	field("Version", m.Version)
	field("Summary", m.Description)
	field("Keywords", strings.Join(m.Keywords, ","))
	for _, author := range m.Authors {
		switch {
		case author.Email != "" && author.Name != "":
			field("Author-Email", fmt.Sprintf("%s <%s>", author.Name, author.Email))
		case author.Email != "":
			field("Author-Email", author.Email)
		default:
			field("Author", author.Name)
		}
	}
	field("License", m.License)
	for _, classifier := range m.Classifiers {
		field("Classifier", classifier)
	}
	urlNames := make([]string, 0, len(m.URLs))
	for name := range m.URLs {
		urlNames = append(urlNames, name)
	}
	sort.Strings(urlNames)
	for _, name := range urlNames {
		field("Project-URL", name+", "+m.URLs[name])
	}
	field("Requires-Python", m.RequiresPython)
	for _, dep := range m.Dependencies {
		field("Requires-Dist", dep)
	}

	if m.Readme != "" && sourceDir != "" {
		body, err := os.ReadFile(filepath.Join(sourceDir, m.Readme))
		if err != nil {
			return nil, fmt.Errorf("failed to read project.readme: %w", err)
		}
		field("Description-Content-Type", readmeContentType(m.Readme))
		sb.WriteString("\n")
		sb.Write(body)
	}

	return []byte(sb.String()), nil
}

// EntryPoints renders the entry_points.txt contents from project.scripts
// and project.gui-scripts.
func (m *ProjectMetadata) EntryPoints() []byte {
	var sb strings.Builder
	groups := []struct {
		name    string
		entries map[string]string
	}{
		{"console_scripts", m.Scripts},
		{"gui_scripts", m.GUIScripts},
	}
	for _, group := range groups {
		if len(group.entries) == 0 {
			continue
		}
		names := make([]string, 0, len(group.entries))
		for name := range group.entries {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("[" + group.name + "]\n")
		for _, name := range names {
			sb.WriteString(name + " = " + group.entries[name] + "\n")
		}
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

func readmeContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		return "text/markdown"
	case ".rst":
		return "text/x-rst"
	default:
		return "text/plain"
	}
}
