package imageref

import "testing"

func TestNormalise(t *testing.T) {
	cases := map[string]string{
		"nginx":                          "docker.io/library/nginx",
		"nginx:latest":                   "docker.io/library/nginx",
		"ghcr.io/ex/svc:1.2.3":           "ghcr.io/ex/svc",
		"registry.local:5000/myapp:v2":   "registry.local:5000/myapp",
		"not a valid ref @@@":            "not a valid ref @@@",
	}
	for in, want := range cases {
		if got := Normalise(in); got != want {
			t.Errorf("Normalise(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBucket(t *testing.T) {
	got := Bucket("ghcr.io/ex/svc:1.2.3")
	want := "image:ghcr.io/ex/svc"
	if got != want {
		t.Errorf("Bucket() = %q, want %q", got, want)
	}
}

func TestSplitTag(t *testing.T) {
	tests := []struct {
		ref       string
		wantImage string
		wantTag   string
	}{
		{"nginx:latest", "docker.io/library/nginx", "latest"},
		{"registry.local:5000/myapp:v2", "registry.local:5000/myapp", "v2"},
	}
	for _, tt := range tests {
		image, tag := SplitTag(tt.ref)
		if image != tt.wantImage || tag != tt.wantTag {
			t.Errorf("SplitTag(%q) = (%q, %q), want (%q, %q)", tt.ref, image, tag, tt.wantImage, tt.wantTag)
		}
	}
}
