package fusefrontend

// Args is a container for arguments that are passed from main() to fusefrontend
type Args struct {
	// MirrorDir is the backing storage directory (absolute path).
	MirrorDir string
	// Should we chown a file after it has been created?
	// This only makes sense if (1) allow_other is set and (2) we run as root.
	PreserveOwner bool
	// CacheHandles gives every open file a cleartext buffer that is written
	// back on flush, fsync and release, instead of rewriting the backing
	// file on every write.
	CacheHandles bool
	// FlagAttr is the name of the encryption flag attribute. It is hidden
	// from xattr calls on the mount and cannot be changed through it.
	FlagAttr string
}
