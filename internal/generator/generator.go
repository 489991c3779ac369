// Package generator picks the build-tool generator and produces the
// interpreter-locating toolchain fragment injected into every configure.
package generator

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/heaths/go-vssetup"
)

const (
	GeneratorNinja  = "Ninja"
	GeneratorMake   = "Unix Makefiles"
	GeneratorVS2022 = "Visual Studio 17 2022"
	GeneratorNMake  = "NMake Makefiles"
)

// NoUsableGeneratorError means none of the candidate generators are
// present on the host. Fatal, never retried.
type NoUsableGeneratorError struct {
	Tried []string
}

func (e *NoUsableGeneratorError) Error() string {
	return fmt.Sprintf("no usable generator found, tried: %s", strings.Join(e.Tried, ", "))
}

// Probe is the host capability snapshot for one pipeline run. It is built
// once and passed explicitly instead of cached in package state.
type Probe struct {
	GOOS         string
	HasNinja     bool
	HasMake      bool
	HasNMake     bool
	VisualStudio bool
}

// NewProbe inspects the host once.
func NewProbe() Probe {
	p := Probe{GOOS: runtime.GOOS}
	p.HasNinja = lookPathOK("ninja")
	p.HasMake = lookPathOK("make") || lookPathOK("gmake")
	if p.GOOS == "windows" {
		p.HasNMake = lookPathOK("nmake")
		if instances, err := vssetup.Instances(false); err == nil && len(instances) > 0 {
			p.VisualStudio = true
		}
	}
	return p
}

func lookPathOK(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

type candidate struct {
	name      string
	available bool
}

// candidates returns the fixed preference order: the parallel-capable
// generator first, then the platform's fallback.
func (p Probe) candidates() []candidate {
	out := []candidate{{GeneratorNinja, p.HasNinja}}
	if p.GOOS == "windows" {
		out = append(out,
			candidate{GeneratorVS2022, p.VisualStudio},
			candidate{GeneratorNMake, p.HasNMake},
		)
	} else {
		out = append(out, candidate{GeneratorMake, p.HasMake})
	}
	return out
}

// Select returns the generator to configure with. A pinned generator from
// the settings is honored as-is; otherwise candidates are tried in order.
func Select(pinned string, probe Probe) (string, error) {
	if pinned != "" {
		return pinned, nil
	}
	var tried []string
	for _, c := range probe.candidates() {
		if c.available {
			return c.name, nil
		}
		tried = append(tried, c.name)
	}
	return "", &NoUsableGeneratorError{Tried: tried}
}
