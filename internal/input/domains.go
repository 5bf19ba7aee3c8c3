package input

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadDomains parses a newline-delimited list. Blank lines and lines starting with # are skipped; duplicates
// keep their first position.
func ReadDomains(r io.Reader) ([]string, error) {
	var domains []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k := strings.ToLower(line)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return domains, nil
}

// Load resolves the process input: "-" reads stdin, an existing file is read as a list, anything else is taken
// as a single domain.
func Load(arg string, stdin io.Reader) ([]string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("no domain or domain list given")
	}
	if arg == "-" {
		return ReadDomains(stdin)
	}
	f, err := os.Open(arg)
	if err == nil {
		defer f.Close()
		domains, err := ReadDomains(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg, err)
		}
		return domains, nil
	}
	if looksLikePath(arg) {
		return nil, fmt.Errorf("failed to open domain list: %w", err)
	}
	return []string{arg}, nil
}

func looksLikePath(arg string) bool {
	return strings.ContainsRune(arg, os.PathSeparator) && !strings.Contains(arg, "://") ||
		strings.HasSuffix(arg, ".txt") || strings.HasSuffix(arg, ".list")
}

// Feed sends domains in order and closes out. It stops early when ctx is cancelled.
func Feed(ctx context.Context, domains []string, out chan<- string) {
	defer close(out)
	for _, d := range domains {
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
}
