package environment

import (
	"path/filepath"
	"testing"
)

func testEnvironment() *Environment {
	return &Environment{
		InstallDir:  filepath.FromSlash("/opt/app"),
		SystemDir:   filepath.FromSlash("/usr/lib"),
		UserDataDir: filepath.FromSlash("/home/user/.config/app"),
		CommonDir:   filepath.FromSlash("/var/lib/app"),
		TempDir:     filepath.FromSlash("/tmp/app-update"),
		Executable:  filepath.FromSlash("/opt/app/updater"),
	}
}

func TestEnvironment_Resolve(t *testing.T) {
	env := testEnvironment()
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "app file", in: "app/bin/tool", want: filepath.FromSlash("/opt/app/bin/tool")},
		{name: "root only", in: "common", want: filepath.FromSlash("/var/lib/app")},
		{name: "user data", in: "userdata/settings.ini", want: filepath.FromSlash("/home/user/.config/app/settings.ini")},
		{name: "unknown root", in: "nope/file", wantErr: true},
		{name: "escape", in: "app/../../etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.Resolve(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvironment_Expand(t *testing.T) {
	env := testEnvironment()
	got := env.Expand("{app}/bin;{unknown};{tmp}")
	want := filepath.FromSlash("/opt/app") + "/bin;{unknown};" + filepath.FromSlash("/tmp/app-update")
	if got != want {
		t.Errorf("Expand() = %q, want %q", got, want)
	}
	if got := env.Expand("plain"); got != "plain" {
		t.Errorf("Expand() modified a string without tokens: %q", got)
	}
}

func TestIsWithin(t *testing.T) {
	root := filepath.FromSlash("/opt/app")
	tests := []struct {
		path string
		want bool
	}{
		{path: filepath.FromSlash("/opt/app/bin/tool"), want: true},
		{path: filepath.FromSlash("/opt/app"), want: true},
		{path: filepath.FromSlash("/opt/application/tool"), want: false},
		{path: filepath.FromSlash("/opt/tool"), want: false},
		{path: "", want: false},
	}
	for _, tt := range tests {
		if got := IsWithin(root, tt.path); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", root, tt.path, got, tt.want)
		}
	}
}
