package venti

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/INLOpen/ventibase/core"
)

const (
	// DefaultWidth is the length-field width before any hello.
	DefaultWidth = 2
	// MaxVersionLineLength bounds the peer's version line, newline included.
	MaxVersionLineLength = 256
)

// WidthForVersion returns the length-field width a hello version selects.
func WidthForVersion(version string) (int, error) {
	switch version {
	case "02":
		return 2, nil
	case "04":
		return 4, nil
	default:
		return 0, protoErrorf("version", nil, "unsupported protocol version %q", version)
	}
}

// GreetingLine is the line a server writes on accept.
func GreetingLine(serverName string) string {
	return fmt.Sprintf("%s-%s-%s\n", core.ProtocolName, core.SupportedVersions, serverName)
}

// ClientVersionLine is the line a client writes after reading the greeting.
func ClientVersionLine(version, software string) string {
	return fmt.Sprintf("%s-%s-%s\n", core.ProtocolName, version, software)
}

// ReadVersionLine reads one newline-terminated line of at most
// MaxVersionLineLength bytes and returns it without the line ending.
func ReadVersionLine(br *bufio.Reader) (string, error) {
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) == 0 {
				return "", io.EOF
			}
			return "", protoErrorf("version", err, "reading version line")
		}
		if b == '\n' {
			break
		}
		line = append(line, b)
		if len(line) >= MaxVersionLineLength {
			return "", protoErrorf("version", nil, "version line longer than %d bytes", MaxVersionLineLength)
		}
	}
	return string(bytes.TrimSuffix(line, []byte{'\r'})), nil
}

// ParseVersionLine splits "venti-02:04-name" into the offered versions and
// the software name.
func ParseVersionLine(line string) (versions []string, software string, err error) {
	rest, ok := strings.CutPrefix(line, core.ProtocolName+"-")
	if !ok {
		return nil, "", protoErrorf("version", nil, "version line %q does not start with %q", line, core.ProtocolName+"-")
	}
	vers, software, _ := strings.Cut(rest, "-")
	if vers == "" {
		return nil, "", protoErrorf("version", nil, "version line %q offers no versions", line)
	}
	return strings.Split(vers, ":"), software, nil
}

// NegotiateVersion picks the highest version offered by the peer that this
// implementation supports.
func NegotiateVersion(offered []string) (string, error) {
	best := ""
	for _, v := range offered {
		if _, err := WidthForVersion(v); err == nil && v > best {
			best = v
		}
	}
	if best == "" {
		return "", protoErrorf("version", nil, "no common protocol version in %v", offered)
	}
	return best, nil
}
