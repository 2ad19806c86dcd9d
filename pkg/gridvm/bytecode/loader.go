package bytecode

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// Load resolves a thread's source file to a CodeObject. Only compiled .ssc
// files are accepted directly; a .ss file is resolved to its sibling
// compiled cache file (".<name>.ssc" next to it, mirroring the original's
// dot-prefixed object-file convention) if one exists. Compiling .ss text is
// the external parser/codegen collaborator's job (spec §1), out of scope
// here.
func Load(sourceFile string) (*types.CodeObject, error) {
	switch filepath.Ext(sourceFile) {
	case ".ssc":
		return LoadCodeObjectFile(sourceFile)
	case ".ss":
		if cached, ok := cachedObjectPath(sourceFile); ok {
			return LoadCodeObjectFile(cached)
		}
		return nil, types.ErrSourceNotCompiled
	default:
		return nil, types.ErrSourceNotCompiled
	}
}

// cachedObjectPath returns the path GridVM's optional on-disk bytecode cache
// (spec §1 Non-goals: "persistent storage beyond optional caching of
// compiled bytecode on disk" is explicitly allowed) uses for a given .ss
// source file, and whether that cache file currently exists.
func cachedObjectPath(sourceFile string) (string, bool) {
	dir := filepath.Dir(sourceFile)
	name := strings.TrimSuffix(filepath.Base(sourceFile), ".ss")
	cached := filepath.Join(dir, "."+name+".ssc")
	return cached, fileExists(cached)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
