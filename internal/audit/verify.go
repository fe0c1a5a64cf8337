package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrChainBroken is returned by Verify when an entry's hash or link does not
// match.
var ErrChainBroken = errors.New("audit hash chain broken")

// Verify walks the audit log at path and recomputes every entry hash. It
// returns the number of entries checked. The first entry may link to a
// rotated predecessor, so only links inside the file are enforced.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		l    Logger
		prev string
		n    int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return n, fmt.Errorf("%w: entry %d: %v", ErrChainBroken, n+1, err)
		}
		want, err := l.computeHash(e)
		if err != nil {
			return n, err
		}
		if want != e.EntryHash {
			return n, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, n+1)
		}
		if n > 0 && e.PrevHash != prev {
			return n, fmt.Errorf("%w: entry %d does not link to entry %d", ErrChainBroken, n+1, n)
		}
		prev = e.EntryHash
		n++
	}
	return n, sc.Err()
}
