//go:build !unix

package dataset

import "os"

// Without flock only the in-process chunk mutexes serialize writers, so
// multi-process writes are unsupported on these platforms.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
