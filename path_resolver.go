// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxPathLength bounds a single FTP path argument. Linux's PATH_MAX; there's
// no portable way to ask the driver's backing filesystem for its own limit,
// so we apply the same ceiling everywhere.
const maxPathLength = 4096

// ErrPathHasNUL is returned when a path argument contains an embedded NUL byte.
var ErrPathHasNUL = errors.New("path contains a NUL byte")

// ErrPathTooLong is returned when a path argument exceeds maxPathLength.
var ErrPathTooLong = errors.New("path exceeds the maximum allowed length")

// ErrPathEscapesRoot is returned when a path, once symlinks are followed,
// resolves outside of the driver's root.
var ErrPathEscapesRoot = errors.New("path escapes the session root")

// ClientDriverExtensionRealPath is implemented by drivers backed by a real
// host directory tree. It lets resolvePath perform the realpath
// containment check that catches symlink escapes: given a virtual path
// already clamped to the virtual root, it returns the host path the driver
// would touch and the host directory that must contain it. Drivers with no
// host filesystem underneath them (pure virtual/in-memory content) have
// nothing to check and don't need to implement it.
type ClientDriverExtensionRealPath interface {
	RealPath(virtualPath string) (hostPath string, hostRoot string, err error)
}

// absPath lexically resolves p against the session's cwd: relative paths
// are joined with it, and '.'/'..' segments are normalized without
// touching the filesystem, so a '..' above the virtual root clamps to it.
// It never fails; it's the first half of resolvePath, and the SITE, STAT,
// MLST, MFMT, COMB, HASH and AVBL handlers call it directly, without the
// realpath check.
func (c *clientHandler) absPath(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Clean(c.Path() + "/" + p)
}

// resolvePath implements the PathResolver contract: it lexically resolves
// param the same way absPath does, rejects pathological input (embedded
// NUL, over-length), and then — when the driver exposes a real host root
// — confirms that following symlinks doesn't walk the result outside of
// it. Callers report a rejection with the same reply code they use for a
// plain missing file; the reply text carries the error's own message.
func (c *clientHandler) resolvePath(param string) (string, error) {
	if strings.ContainsRune(param, 0) {
		return "", ErrPathHasNUL
	}

	if len(param) > maxPathLength {
		return "", ErrPathTooLong
	}

	virtual := c.absPath(param)

	resolver, ok := c.driver.(ClientDriverExtensionRealPath)
	if !ok {
		return virtual, nil
	}

	hostPath, hostRoot, err := resolver.RealPath(virtual)
	if err != nil {
		return "", err
	}

	real, err := filepath.EvalSymlinks(hostPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}

		// The target itself doesn't exist yet (new file/dir about to be
		// created): the containment check falls back to its parent,
		// which must already exist.
		parentReal, errParent := filepath.EvalSymlinks(filepath.Dir(hostPath))
		if errParent != nil {
			return "", errParent
		}

		if !pathWithinRoot(parentReal, hostRoot) {
			return "", ErrPathEscapesRoot
		}

		return virtual, nil
	}

	if !pathWithinRoot(real, hostRoot) {
		return "", ErrPathEscapesRoot
	}

	return virtual, nil
}

// pathWithinRoot reports whether real is root itself or lies inside it.
// Comparisons are byte-exact (case-sensitive filesystems only).
func pathWithinRoot(real, root string) bool {
	real = filepath.Clean(real)
	root = filepath.Clean(root)

	if real == root {
		return true
	}

	return strings.HasPrefix(real, root+string(filepath.Separator))
}
