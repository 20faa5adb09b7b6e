package templating

import (
	"maps"
	"regexp"
	"time"

	"github.com/CTAG07/stencil/pkg/sandbox"
)

// idPattern is the set of legal template ids. Ids double as file names, so
// path separators are excluded.
var idPattern = regexp.MustCompile(`^[\w\-. ]+$`)

// ValidID reports whether id can name a template.
func ValidID(id string) bool {
	return id != "." && id != ".." && idPattern.MatchString(id)
}

// Template is one stored template. Records are immutable once built; an
// overwrite replaces the whole record.
type Template struct {
	ID          string
	Description string
	Body        string
	Defaults    map[string]any
	ModTime     time.Time

	compiled *sandbox.Template
}

// Size returns the body length in bytes.
func (t *Template) Size() int {
	return len(t.Body)
}

// Variables returns the variables a render uses: the defaults overlaid with
// vars. Keys in vars win. Neither input is modified.
func (t *Template) Variables(vars map[string]any) map[string]any {
	if len(vars) == 0 {
		return maps.Clone(t.Defaults)
	}
	if len(t.Defaults) == 0 {
		return vars
	}
	merged := maps.Clone(t.Defaults)
	maps.Copy(merged, vars)
	return merged
}
