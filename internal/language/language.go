// Package language maps language identifiers to execution strategies:
// how a body is named on disk and which argv vectors compile and run it.
package language

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/sakif/codeexec/internal/apperror"
)

// Placeholders are substituted inside each argv element. Substitution never
// splits or joins arguments, so paths with spaces stay a single argument.
const (
	PlaceholderSource = "{source}" // staged source file
	PlaceholderBinary = "{binary}" // compiler output, {source} + ".out"
	PlaceholderDir    = "{dir}"    // workspace directory
	PlaceholderStem   = "{stem}"   // source file name without extension
)

// Strategy describes how one language is staged, compiled and run.
type Strategy struct {
	ID        string
	Name      string
	Extension string
	Naming    Naming
	Compile   []string // empty for interpreted languages
	Run       []string
	Env       []string // KEY=value, placeholders allowed
}

// Compiled reports whether the language has a build step before Run.
func (s Strategy) Compiled() bool {
	return len(s.Compile) > 0
}

// FileName returns the name the body must be staged under.
func (s Strategy) FileName(source string) (string, error) {
	return s.Naming.FileName(source, s.Extension)
}

// Commands is a strategy bound to a concrete workspace.
type Commands struct {
	Compile []string
	Run     []string
	Env     []string
}

// Bind substitutes workspace paths into the strategy's templates.
// sourcePath is the staged file as seen by the sandbox.
func (s Strategy) Bind(sourcePath string) Commands {
	base := filepath.Base(sourcePath)
	r := strings.NewReplacer(
		PlaceholderSource, sourcePath,
		PlaceholderBinary, sourcePath+".out",
		PlaceholderDir, filepath.Dir(sourcePath),
		PlaceholderStem, strings.TrimSuffix(base, filepath.Ext(base)),
	)
	return Commands{
		Compile: expand(r, s.Compile),
		Run:     expand(r, s.Run),
		Env:     expand(r, s.Env),
	}
}

func expand(r *strings.Replacer, args []string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// Registry is built once at startup and read-only afterwards, so it is safe
// for concurrent use without locking.
type Registry struct {
	strategies map[string]Strategy
	aliases    map[string]string
}

// NewRegistry returns a registry holding the given strategies. Aliases map
// alternate spellings onto a canonical ID.
func NewRegistry(strategies []Strategy, aliases map[string]string) *Registry {
	r := &Registry{
		strategies: make(map[string]Strategy, len(strategies)),
		aliases:    make(map[string]string, len(aliases)),
	}
	for _, s := range strategies {
		r.strategies[s.ID] = s
	}
	for alias, id := range aliases {
		r.aliases[alias] = id
	}
	return r
}

// Resolve returns the strategy for id, following aliases.
func (r *Registry) Resolve(id string) (Strategy, error) {
	if canonical, ok := r.aliases[id]; ok {
		id = canonical
	}
	s, ok := r.strategies[id]
	if !ok {
		return Strategy{}, apperror.UnsupportedLanguage(id)
	}
	return s, nil
}

// List returns all strategies sorted by ID.
func (r *Registry) List() []Strategy {
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Aliases returns the alternate spellings that resolve to id.
func (r *Registry) Aliases(id string) []string {
	var out []string
	for alias, canonical := range r.aliases {
		if canonical == id {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}
