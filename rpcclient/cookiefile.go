// Copyright (c) 2017 The Namecoin developers
// Copyright (c) 2019 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcclient

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// readCookieFile reads the "user:pass" line bitcoind writes to its
// .cookie file on startup.
func readCookieFile(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", "", fmt.Errorf("read cookie file: %w", err)
		}
		return "", "", errors.New("empty cookie file")
	}

	user, pass, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
	if !ok {
		return "", "", fmt.Errorf("malformed cookie file: %s", path)
	}

	return user, pass, nil
}
