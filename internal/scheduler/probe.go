package scheduler

import (
	"context"
	"fmt"
	"os"
)

// FileProbe watches a file's modification marker (mtime + size). A missing
// file reports a distinct "absent" state, so creation and deletion both
// count as changes.
func FileProbe(path string) Probe {
	return func(ctx context.Context) (string, error) {
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "absent", nil
			}
			return "", err
		}
		return fmt.Sprintf("%d:%d", fi.ModTime().UnixNano(), fi.Size()), nil
	}
}
