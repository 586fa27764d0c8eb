package filemap

import "strings"

// Directories whose contents are skipped wholesale. The directory entry
// itself is kept so the target keeps a valid skeleton.
var excludeDirContents = []string{
	"pg_stat_tmp", // temporary statistics, also used by extensions
	"pg_replslot",
	"pg_dynshmem",
	"pg_notify",
	"pg_serial",
	"pg_snapshots",
	"pg_subtrans",
}

// Files excluded by basename. Prefix entries match any basename that
// starts with the pattern (the relcache init file has per-database
// temporary variants).
var excludeFiles = []struct {
	name   string
	prefix bool
}{
	{"postgresql.auto.conf.tmp", false},
	{"current_logfiles.tmp", false},
	{"pg_internal.init", true},
	{"backup_label", false},
	{"tablespace_map", false},
	{"backup_manifest", false},
	{"postmaster.pid", false},
	{"postmaster.opts", false},
	{".DS_Store", false},
}

// Excluded reports whether the relative path matches an exclusion rule
// and must never be copied to or refreshed on the target.
func Excluded(path string) bool {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}

	for _, f := range excludeFiles {
		if f.prefix {
			if strings.HasPrefix(base, f.name) {
				return true
			}
		} else if base == f.name {
			return true
		}
	}

	for _, seg := range strings.Split(path, "/") {
		// Temporary relation storage can appear at any depth under a
		// database directory, as pgsql_tmp or pgsql_tmp.<pid> names.
		if strings.HasPrefix(seg, "pgsql_tmp") {
			return true
		}
	}

	for _, dir := range excludeDirContents {
		if strings.HasPrefix(path, dir+"/") || strings.Contains(path, "/"+dir+"/") {
			return true
		}
	}
	return false
}
