// Package update resolves which version directories of the update repository to mirror.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
)

// DefaultUpstream is the public Clear Linux update server.
const DefaultUpstream = "https://cdn.download.clearlinux.org"

// VersionAlias names the directory that tracks the format-bump version.
const VersionAlias = "version"

var errNegativeVersion = errors.New("version must not be negative")

// Fetcher is the part of the transport the resolver needs
type Fetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
	FetchInt(ctx context.Context, rawURL string) (int, error)
}

// VersionRoot is one version directory: remote listing and local destination
type VersionRoot struct {
	ID  string
	URL string
	Dir string
}

// VersionSet is the outcome of version resolution
type VersionSet struct {
	Latest     int
	MinVersion int
	Roots      []VersionRoot
}

// Resolver reads the latest version and its manifest from the upstream server
type Resolver struct {
	fetcher  Fetcher
	upstream string
	log      *slog.Logger
}

// NewResolver creates a resolver for upstream
func NewResolver(fetcher Fetcher, upstream string, log *slog.Logger) *Resolver {
	if upstream == "" {
		upstream = DefaultUpstream
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		fetcher:  fetcher,
		upstream: strings.TrimRight(upstream, "/"),
		log:      log.With(slog.String("component", "resolver")),
	}
}

// Latest returns the latest published version
func (r *Resolver) Latest(ctx context.Context) (int, error) {
	latestURL := LatestURL(r.upstream)
	latest, err := r.fetcher.FetchInt(ctx, latestURL)
	if err != nil {
		return 0, err
	}
	if latest < 0 {
		return 0, &protocol.ParseError{URL: latestURL, Text: strconv.Itoa(latest), Err: errNegativeVersion}
	}
	return latest, nil
}

// Resolve determines the version range and the roots to mirror below outputDir.
// Roots are 0, the version alias, minversion and latest, followed by extra.
func (r *Resolver) Resolve(ctx context.Context, outputDir string, extra ...string) (*VersionSet, error) {
	latest, err := r.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving latest version: %w", err)
	}
	r.log.Info("latest version", slog.Int("version", latest))

	manifestURL := ManifestURL(r.upstream, latest)
	text, err := r.fetcher.FetchText(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	manifest, err := ParseManifest(manifestURL, text, latest)
	if err != nil {
		return nil, err
	}
	if !manifest.HasVersion {
		r.log.Warn("manifest has no version field", slog.String("url", manifestURL))
	}
	r.log.Info("min version", slog.Int("version", manifest.MinVersion))

	roots, err := Roots(r.upstream, outputDir, manifest.MinVersion, latest, extra...)
	if err != nil {
		return nil, err
	}

	return &VersionSet{
		Latest:     latest,
		MinVersion: manifest.MinVersion,
		Roots:      roots,
	}, nil
}

// Roots lists the version directories to mirror. Duplicates are kept.
func Roots(upstream, outputDir string, minVersion, latest int, extra ...string) ([]VersionRoot, error) {
	ids := []string{"0", VersionAlias, strconv.Itoa(minVersion), strconv.Itoa(latest)}
	for _, id := range extra {
		id = strings.TrimSpace(id)
		if !ValidVersionID(id) {
			return nil, fmt.Errorf("invalid version %q", id)
		}
		ids = append(ids, id)
	}

	roots := make([]VersionRoot, 0, len(ids))
	for _, id := range ids {
		roots = append(roots, VersionRoot{
			ID:  id,
			URL: VersionURL(upstream, id),
			Dir: filepath.Join(outputDir, "update", id),
		})
	}
	return roots, nil
}

// ValidVersionID reports whether id is a non-negative integer or the version alias
func ValidVersionID(id string) bool {
	if id == VersionAlias {
		return true
	}
	n, err := strconv.Atoi(id)
	return err == nil && n >= 0 && strconv.Itoa(n) == id
}

// LatestURL returns the endpoint publishing the latest version
func LatestURL(upstream string) string {
	return strings.TrimRight(upstream, "/") + "/latest"
}

// ManifestURL returns the Manifest.MoM of a version
func ManifestURL(upstream string, version int) string {
	return VersionURL(upstream, strconv.Itoa(version)) + "Manifest.MoM"
}

// VersionURL returns the directory listing of a version
func VersionURL(upstream, id string) string {
	return strings.TrimRight(upstream, "/") + "/update/" + id + "/"
}
