package materializer

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// TunnelPrefix marks the line that carries the tunnel identifier.
const TunnelPrefix = "tunnel:"

// ExtractTunnelIdentifier returns the second whitespace-separated field of
// the first line in the file that begins with "tunnel:". It reports false
// when the file cannot be read, no line matches, or the first matching
// line has no second field.
func ExtractTunnelIdentifier(path string) (string, bool) {
	id, ok, _ := readTunnelIdentifier(path)
	return id, ok
}

func readTunnelIdentifier(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	return scanTunnelIdentifier(f)
}

// scanTunnelIdentifier reads r line by line. Lines have no length limit.
func scanTunnelIdentifier(r io.Reader) (string, bool, error) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if strings.HasPrefix(line, TunnelPrefix) {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return "", false, nil
			}
			id := strings.Trim(fields[1], "\r\n")
			return id, id != "", nil
		}
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
	}
}
