package language

import (
	"errors"
	"testing"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	reg := Default()

	tests := []struct {
		name    string
		id      string
		wantID  string
		wantErr error
	}{
		{name: "canonical python", id: "python", wantID: "python"},
		{name: "camel case alias", id: "javaScript", wantID: "javascript"},
		{name: "c++ alias", id: "c++", wantID: "cpp"},
		{name: "unknown", id: "cobol", wantErr: apperror.ErrUnsupportedLanguage},
		{name: "empty", id: "", wantErr: apperror.ErrUnsupportedLanguage},
		{name: "case matters", id: "Python", wantErr: apperror.ErrUnsupportedLanguage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := reg.Resolve(tt.id)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Empty(t, s.ID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, s.ID)
		})
	}
}

func TestDefaultStrategiesAreComplete(t *testing.T) {
	for _, s := range Default().List() {
		t.Run(s.ID, func(t *testing.T) {
			assert.NotEmpty(t, s.Name)
			assert.NotEmpty(t, s.Extension)
			assert.NotNil(t, s.Naming)
			assert.NotEmpty(t, s.Run)
		})
	}
}

func TestListIsSorted(t *testing.T) {
	list := Default().List()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestAliases(t *testing.T) {
	assert.Equal(t, []string{"javaScript", "js"}, Default().Aliases("javascript"))
	assert.Nil(t, Default().Aliases("ruby"))
}

func TestFileName(t *testing.T) {
	reg := Default()

	tests := []struct {
		name    string
		lang    string
		source  string
		want    string
		wantErr error
	}{
		{name: "python uses constant name", lang: "python", source: "print(1)", want: "code.py"},
		{name: "c uses constant name", lang: "c", source: "int main(){}", want: "code.c"},
		{
			name:   "java uses public class",
			lang:   "java",
			source: "import java.util.*;\npublic class Main {\n public static void main(String[] a){}\n}",
			want:   "Main.java",
		},
		{
			name:   "java final class",
			lang:   "java",
			source: "public final class Solver { }",
			want:   "Solver.java",
		},
		{
			name:   "java first public class wins",
			lang:   "java",
			source: "class Helper {}\npublic class App {}\n",
			want:   "App.java",
		},
		{
			name:    "java without public class",
			lang:    "java",
			source:  "class Main { }",
			wantErr: apperror.ErrInvalidSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := reg.Resolve(tt.lang)
			require.NoError(t, err)

			got, err := s.FileName(tt.source)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBind(t *testing.T) {
	reg := Default()

	t.Run("compiled language", func(t *testing.T) {
		s, _ := reg.Resolve("cpp")
		cmds := s.Bind("/code/ws_1/code.cpp")
		assert.Equal(t, []string{"g++", "/code/ws_1/code.cpp", "-o", "/code/ws_1/code.cpp.out"}, cmds.Compile)
		assert.Equal(t, []string{"/code/ws_1/code.cpp.out"}, cmds.Run)
		assert.True(t, s.Compiled())
	})

	t.Run("java uses directory and stem", func(t *testing.T) {
		s, _ := reg.Resolve("java")
		cmds := s.Bind("/code/ws_2/Main.java")
		assert.Equal(t, []string{"javac", "/code/ws_2/Main.java"}, cmds.Compile)
		assert.Equal(t, []string{"java", "-cp", "/code/ws_2", "Main"}, cmds.Run)
	})

	t.Run("interpreted language has no compile step", func(t *testing.T) {
		s, _ := reg.Resolve("python")
		cmds := s.Bind("/code/ws_3/code.py")
		assert.Nil(t, cmds.Compile)
		assert.False(t, s.Compiled())
		assert.Equal(t, []string{"python3", "/code/ws_3/code.py"}, cmds.Run)
	})

	t.Run("env placeholders", func(t *testing.T) {
		s, _ := reg.Resolve("go")
		cmds := s.Bind("/code/ws_4/code.go")
		assert.Contains(t, cmds.Env, "GOTMPDIR=/code/ws_4")
	})

	t.Run("paths with spaces stay one argument", func(t *testing.T) {
		s, _ := reg.Resolve("python")
		cmds := s.Bind("/tmp/my dir/ws_5/code.py")
		assert.Len(t, cmds.Run, 2)
		assert.Equal(t, "/tmp/my dir/ws_5/code.py", cmds.Run[1])
	})
}
