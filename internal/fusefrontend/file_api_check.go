package fusefrontend

import (
	"github.com/hanwen/go-fuse/v2/fs"
)

// Check that we have implemented the fs.File* interfaces
var _ = (fs.FileGetattrer)((*File)(nil))
var _ = (fs.FileReleaser)((*File)(nil))
var _ = (fs.FileReader)((*File)(nil))
var _ = (fs.FileWriter)((*File)(nil))
var _ = (fs.FileFsyncer)((*File)(nil))
var _ = (fs.FileFlusher)((*File)(nil))

var _ = (fs.FileGetattrer)((*cachedFile)(nil))
var _ = (fs.FileReleaser)((*cachedFile)(nil))
var _ = (fs.FileReader)((*cachedFile)(nil))
var _ = (fs.FileWriter)((*cachedFile)(nil))
var _ = (fs.FileFsyncer)((*cachedFile)(nil))
var _ = (fs.FileFlusher)((*cachedFile)(nil))
