package crawler

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LinkKind classifies a listing link relative to the directory page it appears on
type LinkKind int

const (
	LinkSelf         LinkKind = iota // resolves to the directory itself
	LinkFile                         // direct child file
	LinkFolder                       // direct child directory
	LinkUnrecognized                 // anything else below the directory
)

// String returns string representation of link kind
func (k LinkKind) String() string {
	switch k {
	case LinkSelf:
		return "self"
	case LinkFile:
		return "file"
	case LinkFolder:
		return "folder"
	case LinkUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Link is an anchor found on a directory listing.
type Link struct {
	Kind LinkKind
	// URL is the absolute link; it always starts with the listing URL.
	URL string
	// Tail is URL with the listing URL prefix removed.
	Tail string
	// Name is the decoded local name for files and folders.
	Name string
}

// ParseListing extracts the links of an HTML directory listing located at baseURL.
// Every href is resolved against baseURL; results that do not start with baseURL
// are dropped. Links are returned in document order.
func ParseListing(r io.Reader, baseURL string) ([]Link, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing URL %q: %w", baseURL, err)
	}
	// Resolved links come back in url.URL's canonical form, so the prefix
	// is taken from the parsed base rather than from baseURL as written.
	// The two only differ in spelling, such as an upper-case scheme.
	prefix := base.String()

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing listing %s: %w", baseURL, err)
	}

	var links []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, exists := sel.Attr("href")
		if !exists {
			return
		}

		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}

		abs := base.ResolveReference(ref).String()
		if !strings.HasPrefix(abs, prefix) {
			return
		}

		links = append(links, Classify(abs, prefix))
	})

	return links, nil
}

// Classify sorts absURL, which must start with prefix, into a LinkKind.
func Classify(absURL, prefix string) Link {
	tail := strings.TrimPrefix(absURL, prefix)
	link := Link{URL: absURL, Tail: tail, Kind: LinkUnrecognized}

	switch {
	case tail == "":
		link.Kind = LinkSelf
		return link
	case strings.ContainsAny(tail, "?#"):
		// Sort and anchor links of generated listings.
		return link
	}

	slashes := strings.Count(tail, "/")
	switch {
	case slashes == 0:
		if name, ok := localName(tail); ok {
			link.Kind = LinkFile
			link.Name = name
		}
	case slashes == 1 && strings.HasSuffix(tail, "/"):
		if name, ok := localName(strings.TrimSuffix(tail, "/")); ok {
			link.Kind = LinkFolder
			link.Name = name
		}
	}

	return link
}

// localName decodes a single path segment. Segments that would not map to
// exactly one local path element are refused, which drops encoded slashes.
func localName(segment string) (string, bool) {
	name, err := url.PathUnescape(segment)
	if err != nil {
		return "", false
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return "", false
	}
	return name, true
}
