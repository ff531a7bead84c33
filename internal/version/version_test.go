package version

import "testing"

func TestGet(t *testing.T) {
	v := Get()
	if v == "" {
		t.Fatal("version should never be empty")
	}
	if !Valid() {
		t.Errorf("embedded version %q is not a semantic version", v)
	}
}
