package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// NetrcEntry holds the credentials of one machine
type NetrcEntry struct {
	Machine  string
	Login    string
	Password string
	Account  string
}

// Netrc holds the parsed machine entries of a netrc file
type Netrc struct {
	entries map[string]*NetrcEntry
	Default *NetrcEntry
}

// NetrcPath returns $NETRC, or the per-user netrc file for the platform
func NetrcPath() string {
	if p := os.Getenv("NETRC"); p != "" {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "_netrc")
	}
	return filepath.Join(home, ".netrc")
}

// ParseNetrc parses the netrc file at path
func ParseNetrc(path string) (*Netrc, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening netrc file: %w", err)
	}
	defer file.Close()

	return ReadNetrc(file)
}

// ReadNetrc parses netrc content. Tokens may span lines; macro definitions
// run until the next blank line and are ignored.
func ReadNetrc(r io.Reader) (*Netrc, error) {
	n := &Netrc{entries: make(map[string]*NetrcEntry)}

	var (
		tokens  []string
		current *NetrcEntry
	)

	scanner := bufio.NewScanner(r)
	inMacro := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if inMacro {
			inMacro = line != ""
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tokens = append(tokens[:0], tokenizeLine(line)...)
		for i := 0; i < len(tokens); i++ {
			value := func() string {
				if i+1 < len(tokens) {
					i++
					return tokens[i]
				}
				return ""
			}

			switch strings.ToLower(tokens[i]) {
			case "machine":
				current = &NetrcEntry{Machine: strings.ToLower(value())}
				n.entries[current.Machine] = current
			case "default":
				current = &NetrcEntry{}
				n.Default = current
			case "login":
				if v := value(); current != nil {
					current.Login = v
				}
			case "password":
				if v := value(); current != nil {
					current.Password = v
				}
			case "account":
				if v := value(); current != nil {
					current.Account = v
				}
			case "macdef":
				inMacro = true
				i = len(tokens)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading netrc file: %w", err)
	}

	return n, nil
}

// tokenizeLine splits a line on blanks, honoring single and double quotes
func tokenizeLine(line string) []string {
	var (
		tokens    []string
		current   strings.Builder
		quoteChar byte
	)

	for i := 0; i < len(line); i++ {
		ch := line[i]

		if quoteChar != 0 {
			if ch == quoteChar {
				quoteChar = 0
				tokens = append(tokens, current.String())
				current.Reset()
			} else {
				current.WriteByte(ch)
			}
			continue
		}

		switch ch {
		case '"', '\'':
			quoteChar = ch
		case ' ', '\t':
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// LoadNetrc loads the default netrc file. A missing file yields an empty Netrc.
func LoadNetrc() (*Netrc, error) {
	path := NetrcPath()
	if path == "" {
		return &Netrc{entries: make(map[string]*NetrcEntry)}, nil
	}

	n, err := ParseNetrc(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Netrc{entries: make(map[string]*NetrcEntry)}, nil
	}
	return n, err
}

// FindEntry returns the entry for host, falling back to the default entry
func (n *Netrc) FindEntry(host string) *NetrcEntry {
	if n == nil {
		return nil
	}
	if entry, ok := n.entries[strings.ToLower(host)]; ok {
		return entry
	}
	return n.Default
}

// Credentials returns the login and password for the host of rawURL
func (n *Netrc) Credentials(rawURL string) (login, password string, found bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}

	entry := n.FindEntry(parsed.Hostname())
	if entry == nil || entry.Login == "" {
		return "", "", false
	}
	return entry.Login, entry.Password, true
}

// Len returns the number of machine entries, not counting default
func (n *Netrc) Len() int {
	if n == nil {
		return 0
	}
	return len(n.entries)
}
