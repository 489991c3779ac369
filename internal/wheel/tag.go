package wheel

import (
	"strings"

	"github.com/wheelforge-build/wheelforge/internal/python"
)

// Tag is the (implementation, ABI, platform) triple in the wheel filename.
type Tag struct {
	Python   string
	ABI      string
	Platform string
}

func (t Tag) String() string {
	return t.Python + "-" + t.ABI + "-" + t.Platform
}

// ComputeTag decides the artifact tag. It must run after the install
// phase: only the presence of an actual platform-library entry makes the
// wheel platform-specific, and the same project can legitimately produce
// a pure wheel on hosts where no extension is built.
func ComputeTag(interp *python.Interpreter, pyAPI string, hasPlatlib bool) Tag {
	if !hasPlatlib {
		return Tag{Python: "py3", ABI: "none", Platform: "any"}
	}
	if strings.HasPrefix(pyAPI, "cp3") {
		return Tag{
			Python:   pyAPI,
			ABI:      "abi3",
			Platform: interp.PlatformTag(),
		}
	}
	return Tag{
		Python:   interp.ImplementationTag(),
		ABI:      interp.ABITag(pyAPI),
		Platform: interp.PlatformTag(),
	}
}
