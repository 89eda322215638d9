package language

import (
	"fmt"
	"regexp"

	"github.com/sakif/codeexec/internal/apperror"
)

// Naming decides the file name a code body is staged under.
type Naming interface {
	FileName(source, extension string) (string, error)
}

// ConstantName stages every body under the same base name, e.g. "code.py".
// Safe because every request gets its own workspace directory.
type ConstantName string

func (n ConstantName) FileName(_, extension string) (string, error) {
	return string(n) + "." + extension, nil
}

// DeclaredTypeName derives the file name from a type declared in the body.
// Pattern must have one capture group holding the type name.
type DeclaredTypeName struct {
	Pattern *regexp.Regexp
	Kind    string // used in the error message, e.g. "public class"
}

func (n DeclaredTypeName) FileName(source, extension string) (string, error) {
	m := n.Pattern.FindStringSubmatch(source)
	if m == nil {
		return "", apperror.InvalidSource(fmt.Sprintf("no %s declaration found in code body", n.Kind))
	}
	return m[1] + "." + extension, nil
}

// \w keeps the captured name filename-safe: no separators, no dots.
var javaPublicClass = regexp.MustCompile(`public\s+(?:(?:final|abstract)\s+)*class\s+(\w+)`)
