//go:build !unix

package eventlog

import "os"

// Without flock, cross-process appends rely on O_APPEND single writes only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
