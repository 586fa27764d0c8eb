package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// RestoreCommand extracts restore_command from the target cluster's
// configuration. When configFile is set only that file is read;
// otherwise postgresql.auto.conf overrides postgresql.conf. Within one
// file the last assignment wins, matching how the server itself
// resolves settings.
func RestoreCommand(dataDir, configFile string) (string, error) {
	paths := []string{
		filepath.Join(dataDir, "postgresql.conf"),
		filepath.Join(dataDir, "postgresql.auto.conf"),
	}
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return "", fmt.Errorf("read %s: %w", configFile, err)
		}
		paths = []string{configFile}
	}

	value := ""
	for _, path := range paths {
		v, found, err := scanGUC(path, "restore_command")
		if err != nil {
			return "", err
		}
		if found {
			value = v
		}
	}
	if value == "" {
		return "", errors.New("restore_command is not set in the target cluster's configuration")
	}
	return value, nil
}

// scanGUC reads one configuration file for the given setting.
func scanGUC(path, key string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	value := ""
	found := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		k, v, ok := parseGUCLine(sc.Text())
		if ok && strings.EqualFold(k, key) {
			value = v
			found = true
		}
	}
	if err := sc.Err(); err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	return value, found, nil
}

// parseGUCLine handles `key = value` and `key value` with optional
// single quoting and trailing comments.
func parseGUCLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	i := strings.IndexFunc(line, func(r rune) bool {
		return r == '=' || r == ' ' || r == '\t'
	})
	if i <= 0 {
		return "", "", false
	}
	key = line[:i]
	rest := strings.TrimSpace(line[i:])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "="))
	if rest == "" {
		return "", "", false
	}

	if rest[0] == '\'' {
		var b strings.Builder
		i := 1
		for ; i < len(rest); i++ {
			if rest[i] == '\'' {
				// Doubled quote is a literal quote.
				if i+1 < len(rest) && rest[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				return key, b.String(), true
			}
			if rest[i] == '\\' && i+1 < len(rest) {
				i++
				b.WriteByte(rest[i])
				continue
			}
			b.WriteByte(rest[i])
		}
		// Unterminated quote.
		return "", "", false
	}

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	value = strings.TrimSpace(rest)
	if value == "" {
		return "", "", false
	}
	return key, value, true
}
