package kvm

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/hvcore/internal/hv"
)

// parseKernelRelease turns a uname release such as "6.8.0-45-generic" into
// the backend version. Distribution suffixes are dropped.
func parseKernelRelease(release string) (hv.VersionInfo, error) {
	numeric := release
	if end := strings.IndexFunc(release, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	}); end >= 0 {
		numeric = release[:end]
	}
	numeric = strings.TrimSuffix(numeric, ".")

	v := "v" + numeric
	if !semver.IsValid(v) {
		return hv.VersionInfo{}, fmt.Errorf("kvm: kernel release %q: %w", release, hv.ErrInvalidArgument)
	}
	return hv.ParseVersion(strings.TrimPrefix(semver.Canonical(v), "v"))
}
