package update

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
)

// ErrManifestInconsistency matches every *ManifestError via errors.Is.
var ErrManifestInconsistency = errors.New("manifest inconsistency")

const (
	fieldVersion    = "version:"
	fieldMinVersion = "minversion:"
)

// Manifest holds the fields of a Manifest.MoM that bound the mirrored range
type Manifest struct {
	Version    int
	HasVersion bool
	MinVersion int
}

// ManifestError reports a manifest field that disagrees with the published latest version
type ManifestError struct {
	URL    string
	Field  string
	Value  int
	Latest int
}

func (e *ManifestError) Error() string {
	switch e.Field {
	case "version":
		return fmt.Sprintf("manifest %s: version %d does not match latest %d", e.URL, e.Value, e.Latest)
	default:
		return fmt.Sprintf("manifest %s: %s %d outside [0, %d]", e.URL, e.Field, e.Value, e.Latest)
	}
}

func (e *ManifestError) Is(target error) bool { return target == ErrManifestInconsistency }

// ParseManifest reads the version and minversion fields and checks each
// occurrence against latest as it is read. Other lines are ignored;
// minversion defaults to 0.
func ParseManifest(manifestURL, text string, latest int) (*Manifest, error) {
	m := &Manifest{}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, fieldVersion):
			v, err := fieldValue(manifestURL, line, fieldVersion)
			if err != nil {
				return nil, err
			}
			if v != latest {
				return nil, &ManifestError{URL: manifestURL, Field: "version", Value: v, Latest: latest}
			}
			m.Version = v
			m.HasVersion = true
		case strings.HasPrefix(line, fieldMinVersion):
			v, err := fieldValue(manifestURL, line, fieldMinVersion)
			if err != nil {
				return nil, err
			}
			if v < 0 || v > latest {
				return nil, &ManifestError{URL: manifestURL, Field: "minversion", Value: v, Latest: latest}
			}
			m.MinVersion = v
		}
	}

	return m, nil
}

func fieldValue(manifestURL, line, field string) (int, error) {
	text := strings.TrimSpace(strings.TrimPrefix(line, field))
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, &protocol.ParseError{URL: manifestURL, Text: text, Err: fmt.Errorf("field %q is not an integer", strings.TrimSuffix(field, ":"))}
	}
	return v, nil
}
