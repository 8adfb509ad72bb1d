package pathutil

import "testing"

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"containers/app.bin", false},
		{"containers/./app.bin", true},
		{"containers/../secret.bin", true},
		{".", true},
		{"..", true},
		{"...", false},
		{".hidden/app.bin", false},
		{"releases/.", true},
	}
	for _, tt := range tests {
		if got := HasDotSegments(tt.path); got != tt.want {
			t.Fatalf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSafeObjectName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"app.bin", true},
		{"2024/06/app.bin", true},
		{"a..b.bin", true},
		{"", false},
		{"/abs.bin", false},
		{"dir/", false},
		{"a//b.bin", false},
		{"../other/secret.bin", false},
		{"a/./b.bin", false},
		{`a\b.bin`, false},
		{"app\n.bin", false},
		{"app\x7f.bin", false},
	}
	for _, tt := range tests {
		if got := SafeObjectName(tt.name); got != tt.want {
			t.Fatalf("SafeObjectName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
