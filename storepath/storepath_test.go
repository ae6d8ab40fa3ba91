package storepath

import "testing"

func TestIsInStoreAndIsStorePath(t *testing.T) {
	root := "/store"
	cases := []struct {
		p          string
		inStore    bool
		isTop      bool
	}{
		{"/store/abc-foo", true, true},
		{"/store/abc-foo/sub", true, false},
		{"/store", false, false},
		{"/other/abc-foo", false, false},
	}
	for _, c := range cases {
		if got := IsInStore(root, c.p); got != c.inStore {
			t.Errorf("IsInStore(%q) = %v, want %v", c.p, got, c.inStore)
		}
		if got := IsStorePath(root, c.p); got != c.isTop {
			t.Errorf("IsStorePath(%q) = %v, want %v", c.p, got, c.isTop)
		}
	}
}

func TestToStorePath(t *testing.T) {
	root := "/store"
	got, err := ToStorePath(root, "/store/abc-foo/sub/file")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/store/abc-foo" {
		t.Errorf("got %q", got)
	}
	if _, err := ToStorePath(root, "/elsewhere/x"); err == nil {
		t.Error("expected error for path outside store")
	}
}

func TestMakeStorePathDeterministic(t *testing.T) {
	p1, err := MakeStorePath("/store", KindSource, "deadbeef", "hello-1.0", "hello-1.0")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := MakeStorePath("/store", KindSource, "deadbeef", "hello-1.0", "hello-1.0")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("MakeStorePath not deterministic: %q != %q", p1, p2)
	}
	if !IsStorePath("/store", string(p1)) {
		t.Errorf("result %q is not a valid store path", p1)
	}

	p3, err := MakeStorePath("/store", KindSource, "cafebabe", "hello-1.0", "hello-1.0")
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p3 {
		t.Error("different content hashes produced the same store path")
	}
}

func TestMakeStorePathKindsDiffer(t *testing.T) {
	source, err := MakeStorePath("/store", KindSource, "deadbeef", "x", "x")
	if err != nil {
		t.Fatal(err)
	}
	text, err := MakeStorePath("/store", KindText, "deadbeef", "x", "")
	if err != nil {
		t.Fatal(err)
	}
	if source == text {
		t.Error("KindSource and KindText collided for the same hash/suffix")
	}
}

func TestBase32EncodeLength(t *testing.T) {
	var data [20]byte
	got := base32Encode(data)
	// ceil(20*8/5) == 32
	if len(got) != 32 {
		t.Errorf("got length %d, want 32", len(got))
	}
	for _, c := range got {
		if c != '0' {
			t.Errorf("expected all-zero digest to encode as all '0', got %q", got)
			break
		}
	}
}

func TestBase32AlphabetExcludesConfusables(t *testing.T) {
	for _, bad := range []byte{'e', 'o', 'u', 't'} {
		for _, c := range alphabet {
			if byte(c) == bad {
				t.Errorf("alphabet contains excluded character %q", bad)
			}
		}
	}
}
