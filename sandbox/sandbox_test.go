package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestExecCommand(t *testing.T) {
	tests := []struct {
		lang    string
		code    string
		want    []string
		wantErr bool
	}{
		{"python", "print(1)", []string{"python3", "-c", "print(1)"}, false},
		{"PYTHON", "print(1)", []string{"python3", "-c", "print(1)"}, false},
		{"javascript", "console.log(1)", []string{"node", "-e", "console.log(1)"}, false},
		{"node", "console.log(1)", []string{"node", "-e", "console.log(1)"}, false},
		{"shell", "echo hi", []string{"sh", "-c", "echo hi"}, false},
		{"bash", "echo hi", []string{"sh", "-c", "echo hi"}, false},
		{"cobol", "x", nil, true},
	}

	for _, tt := range tests {
		got, err := execCommand(tt.lang, tt.code)
		if tt.wantErr {
			if err == nil {
				t.Errorf("execCommand(%q) expected error", tt.lang)
			}
			continue
		}
		if err != nil {
			t.Errorf("execCommand(%q): %v", tt.lang, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("execCommand(%q) = %v, want %v", tt.lang, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("execCommand(%q)[%d] = %q, want %q", tt.lang, i, got[i], tt.want[i])
			}
		}
	}
}

func TestRunUnavailable(t *testing.T) {
	r := &Runner{images: map[string]string{"python": "python:3.12-slim"}, timeout: time.Second}

	if r.IsAvailable() {
		t.Fatal("runner should not report available without a client")
	}
	if _, err := r.Run(context.Background(), "python", "print(1)"); err == nil {
		t.Fatal("expected error when docker is unavailable")
	}
}

func TestDefaultImagesCoverSupportedLanguages(t *testing.T) {
	for _, lang := range []string{"python", "javascript", "node", "shell", "bash"} {
		if _, ok := defaultImages[lang]; !ok {
			t.Errorf("no default image for %s", lang)
		}
	}
}
