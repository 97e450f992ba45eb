package process

// foldsSupplementaryGID reports whether this platform's setgroups semantics
// fold the first supplementary group into the process's effective gid, such
// that SetGroups should also update the cached gid on success. Linux keeps
// the effective gid and the supplementary group list independent, so this
// returns false here; a Darwin/BSD build could override it with a build-tag
// variant without touching SetGroups itself.
func foldsSupplementaryGID() bool {
	return false
}
