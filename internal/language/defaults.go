package language

// sourceBase is the file stem for languages that don't care what the file is called.
const sourceBase = ConstantName("code")

// Default returns the registry of languages the runtime image ships toolchains for.
func Default() *Registry {
	return NewRegistry(defaultStrategies(), defaultAliases)
}

var defaultAliases = map[string]string{
	"javaScript": "javascript",
	"js":         "javascript",
	"c++":        "cpp",
	"py":         "python",
	"golang":     "go",
}

func defaultStrategies() []Strategy {
	return []Strategy{
		{
			ID: "c", Name: "C", Extension: "c", Naming: sourceBase,
			Compile: []string{"gcc", PlaceholderSource, "-o", PlaceholderBinary},
			Run:     []string{PlaceholderBinary},
		},
		{
			ID: "cpp", Name: "C++", Extension: "cpp", Naming: sourceBase,
			Compile: []string{"g++", PlaceholderSource, "-o", PlaceholderBinary},
			Run:     []string{PlaceholderBinary},
		},
		{
			ID: "java", Name: "Java", Extension: "java",
			Naming:  DeclaredTypeName{Pattern: javaPublicClass, Kind: "public class"},
			Compile: []string{"javac", PlaceholderSource},
			Run:     []string{"java", "-cp", PlaceholderDir, PlaceholderStem},
		},
		{
			ID: "python", Name: "Python", Extension: "py", Naming: sourceBase,
			Run: []string{"python3", PlaceholderSource},
		},
		{
			ID: "javascript", Name: "JavaScript", Extension: "js", Naming: sourceBase,
			Run: []string{"node", PlaceholderSource},
		},
		{
			ID: "ruby", Name: "Ruby", Extension: "rb", Naming: sourceBase,
			Run: []string{"ruby", PlaceholderSource},
		},
		{
			// go run builds under GOTMPDIR, so keeping it inside the workspace
			// lets a timed-out program be found by its workspace path.
			ID: "go", Name: "Go", Extension: "go", Naming: sourceBase,
			Run: []string{"go", "run", PlaceholderSource},
			Env: []string{"GOTMPDIR=" + PlaceholderDir, "GOCACHE=/tmp/gocache"},
		},
		{
			ID: "rust", Name: "Rust", Extension: "rs", Naming: sourceBase,
			Compile: []string{"rustc", PlaceholderSource, "-o", PlaceholderBinary},
			Run:     []string{PlaceholderBinary},
		},
		{
			ID: "php", Name: "PHP", Extension: "php", Naming: sourceBase,
			Run: []string{"php", PlaceholderSource},
		},
		{
			ID: "perl", Name: "Perl", Extension: "pl", Naming: sourceBase,
			Run: []string{"perl", PlaceholderSource},
		},
		{
			ID: "r", Name: "R", Extension: "r", Naming: sourceBase,
			Run: []string{"Rscript", PlaceholderSource},
		},
	}
}
