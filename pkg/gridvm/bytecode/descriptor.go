package bytecode

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

const (
	multithreadedTag = "#SIMPLESCRIPT_MULTITHREADED"
	threadTag        = "#THREAD"
)

// ThreadSpec describes one thread line of a .mtss descriptor.
type ThreadSpec struct {
	ThreadID   types.ThreadID
	SourceFile string
	Args       []int
}

// ProgramDescriptor is the parsed form of a .mtss file (spec §6).
type ProgramDescriptor struct {
	ProgramID types.ProgramID
	Threads   []ThreadSpec
}

// ProgramIDFor derives a program's identifier from the absolute path of its
// descriptor, the original implementation's fast_hash(abs_path) (spec §3).
func ProgramIDFor(path string) (types.ProgramID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("gridvm/bytecode: resolve absolute path: %w", err)
	}
	return types.ProgramID(fastHash(abs)), nil
}

func fastHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// ParseDescriptor parses a .mtss program descriptor: first line
// "#SIMPLESCRIPT_MULTITHREADED N", then N lines of
// `#THREAD "source_file.ss" [int_arg ...]`. Each thread's argv is prefixed
// by its own thread_id (spec §6).
func ParseDescriptor(path string) (*ProgramDescriptor, error) {
	programID, err := ProgramIDFor(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: open descriptor %s: %w", path, err)
	}
	defer f.Close()

	dir := filepath.Dir(path)
	scanner := bufio.NewScanner(f)

	if !scanner.Scan() {
		return nil, fmt.Errorf("gridvm/bytecode: empty descriptor %s", path)
	}
	header := strings.Fields(scanner.Text())
	if len(header) != 2 || header[0] != multithreadedTag {
		return nil, fmt.Errorf("gridvm/bytecode: bad descriptor header in %s", path)
	}
	count, err := strconv.Atoi(header[1])
	if err != nil || count < 0 {
		return nil, fmt.Errorf("gridvm/bytecode: bad thread count in %s", path)
	}

	threads := make([]ThreadSpec, 0, count)
	for i := 0; i < count; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("gridvm/bytecode: descriptor %s declares %d threads but has only %d", path, count, i)
		}
		spec, err := parseThreadLine(dir, types.ThreadID(i), scanner.Text())
		if err != nil {
			return nil, err
		}
		threads = append(threads, spec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: read descriptor %s: %w", path, err)
	}

	return &ProgramDescriptor{ProgramID: programID, Threads: threads}, nil
}

func parseThreadLine(dir string, threadID types.ThreadID, line string) (ThreadSpec, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 || parts[0] != threadTag {
		return ThreadSpec{}, fmt.Errorf("gridvm/bytecode: bad thread line %q", line)
	}

	sourceFile := strings.Trim(parts[1], `"`)
	sourceFile = filepath.Join(dir, sourceFile)
	if _, err := os.Stat(sourceFile); err != nil {
		return ThreadSpec{}, fmt.Errorf("gridvm/bytecode: thread source %s: %w", sourceFile, err)
	}

	args := []int{int(threadID)}
	for _, raw := range parts[2:] {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return ThreadSpec{}, fmt.Errorf("gridvm/bytecode: bad thread argument %q: %w", raw, err)
		}
		args = append(args, v)
	}

	return ThreadSpec{ThreadID: threadID, SourceFile: sourceFile, Args: args}, nil
}
