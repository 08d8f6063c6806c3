package crawler

import (
	"strings"
	"testing"
)

const listingBase = "https://x/update/10/"

func TestParseListing(t *testing.T) {
	page := `<html><head><title>Index of /update/10/</title></head><body>
<h1>Index of /update/10/</h1>
<a href="../">../</a>
<a href="./">./</a>
<a href="Manifest.MoM">Manifest.MoM</a>
<a href="files/">files/</a>
<a href="https://x/update/10/delta/">delta/</a>
<a href="https://other/update/10/evil">evil</a>
<a href="/update/10/pack-os-core-from-0.tar">pack</a>
<a href="sub/deeper/">deeper</a>
<a>no href</a>
</body></html>`

	links, err := ParseListing(strings.NewReader(page), listingBase)
	if err != nil {
		t.Fatalf("ParseListing() error = %v", err)
	}

	want := []Link{
		{Kind: LinkSelf, URL: listingBase},
		{Kind: LinkFile, URL: listingBase + "Manifest.MoM", Tail: "Manifest.MoM", Name: "Manifest.MoM"},
		{Kind: LinkFolder, URL: listingBase + "files/", Tail: "files/", Name: "files"},
		{Kind: LinkFolder, URL: listingBase + "delta/", Tail: "delta/", Name: "delta"},
		{Kind: LinkFile, URL: listingBase + "pack-os-core-from-0.tar", Tail: "pack-os-core-from-0.tar", Name: "pack-os-core-from-0.tar"},
		{Kind: LinkUnrecognized, URL: listingBase + "sub/deeper/", Tail: "sub/deeper/"},
	}

	if len(links) != len(want) {
		t.Fatalf("ParseListing() returned %d links, want %d: %+v", len(links), len(want), links)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %+v, want %+v", i, links[i], want[i])
		}
	}
}

func TestParseListing_ExcludesOutsidePrefix(t *testing.T) {
	page := `<a href="../9/">up</a>
<a href="/">root</a>
<a href="https://x/update/100/a">sibling prefix</a>
<a href="http://x/update/10/a">other scheme</a>
<a href="//x/update/10/ok">protocol relative</a>`

	links, err := ParseListing(strings.NewReader(page), listingBase)
	if err != nil {
		t.Fatalf("ParseListing() error = %v", err)
	}

	for _, link := range links {
		if !strings.HasPrefix(link.URL, listingBase) {
			t.Errorf("link %q escapes %q", link.URL, listingBase)
		}
	}
	if len(links) != 1 || links[0].Name != "ok" {
		t.Errorf("ParseListing() = %+v, want only the protocol-relative file", links)
	}
}

func TestParseListing_CanonicalPrefix(t *testing.T) {
	page := `<a href="Manifest.MoM">m</a><a href="files/">files</a>`

	links, err := ParseListing(strings.NewReader(page), "HTTPS://x/update/10/")
	if err != nil {
		t.Fatalf("ParseListing() error = %v", err)
	}

	if len(links) != 2 {
		t.Fatalf("ParseListing() returned %d links, want 2: %+v", len(links), links)
	}
	if links[0].Kind != LinkFile || links[0].URL != listingBase+"Manifest.MoM" || links[0].Tail != "Manifest.MoM" {
		t.Errorf("links[0] = %+v", links[0])
	}
	if links[1].Kind != LinkFolder || links[1].Name != "files" {
		t.Errorf("links[1] = %+v", links[1])
	}
}

func TestParseListing_Empty(t *testing.T) {
	links, err := ParseListing(strings.NewReader(""), listingBase)
	if err != nil {
		t.Fatalf("ParseListing() error = %v", err)
	}
	if len(links) != 0 {
		t.Errorf("ParseListing(\"\") = %v, want none", links)
	}
}

func TestParseListing_Deterministic(t *testing.T) {
	page := `<a href="c">c</a><a href="a">a</a><a href="b/">b</a><a href="a">a again</a>`

	first, _ := ParseListing(strings.NewReader(page), listingBase)
	second, _ := ParseListing(strings.NewReader(page), listingBase)

	if len(first) != 4 {
		t.Fatalf("got %d links, want 4 (duplicates preserved)", len(first))
	}
	order := []string{"c", "a", "b", "a"}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("run differs at %d: %+v vs %+v", i, first[i], second[i])
		}
		if first[i].Name != order[i] {
			t.Errorf("links[%d].Name = %q, want %q", i, first[i].Name, order[i])
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantKind LinkKind
		wantName string
	}{
		{"self", listingBase, LinkSelf, ""},
		{"file", listingBase + "a.txt", LinkFile, "a.txt"},
		{"folder", listingBase + "sub/", LinkFolder, "sub"},
		{"nested file", listingBase + "sub/b.txt", LinkUnrecognized, ""},
		{"nested folder", listingBase + "sub/deeper/", LinkUnrecognized, ""},
		{"double slash", listingBase + "sub//", LinkUnrecognized, ""},
		{"encoded space", listingBase + "a%20b.txt", LinkFile, "a b.txt"},
		{"encoded slash", listingBase + "a%2Fb", LinkUnrecognized, ""},
		{"encoded dotdot", listingBase + "%2E%2E/", LinkUnrecognized, ""},
		{"bad escape", listingBase + "a%zz", LinkUnrecognized, ""},
		{"sort query", listingBase + "?C=N;O=D", LinkUnrecognized, ""},
		{"fragment", listingBase + "#top", LinkUnrecognized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := Classify(tt.url, listingBase)
			if link.Kind != tt.wantKind {
				t.Errorf("Classify(%q).Kind = %v, want %v", tt.url, link.Kind, tt.wantKind)
			}
			if link.Name != tt.wantName {
				t.Errorf("Classify(%q).Name = %q, want %q", tt.url, link.Name, tt.wantName)
			}
			if link.URL != tt.url {
				t.Errorf("Classify(%q).URL = %q", tt.url, link.URL)
			}
		})
	}
}

func TestLinkKind_String(t *testing.T) {
	tests := []struct {
		kind     LinkKind
		expected string
	}{
		{LinkSelf, "self"},
		{LinkFile, "file"},
		{LinkFolder, "folder"},
		{LinkUnrecognized, "unrecognized"},
		{LinkKind(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.expected {
			t.Errorf("LinkKind(%d).String() = %q, want %q", tt.kind, got, tt.expected)
		}
	}
}
