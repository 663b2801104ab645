//go:build !unix

package journal

import "os"

// lockFile is a no-op where flock is unavailable; single-writer discipline
// then rests on the deployment.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
