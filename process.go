package ntr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Process is one record of the debugger's process list.
type Process struct {
	PID     uint32 `json:"pid" yaml:"pid"`
	Name    string `json:"name" yaml:"name"`
	TitleID uint64 `json:"title_id" yaml:"title_id"`
}

// processLine matches records such as
//
//	pid: 0x00000028, pname:       sm, tid: 0004013000001002, kpobj: fff77a78
var processLine = regexp.MustCompile(`pid: 0x([0-9a-fA-F]{8}), pname:\s*([^,]*?)\s*, tid: ([0-9a-fA-F]{16})`)

// ParseProcessList extracts every process record from a process-list dump.
// Lines that are not records, including the end marker, are skipped.
func ParseProcessList(text string) []Process {
	var procs []Process
	for _, line := range strings.Split(text, "\n") {
		m := processLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil {
			continue
		}
		tid, err := strconv.ParseUint(m[3], 16, 64)
		if err != nil {
			continue
		}
		procs = append(procs, Process{
			PID:     uint32(pid),
			Name:    m[2],
			TitleID: tid,
		})
	}
	return procs
}

// FindPID returns the pid of the first record whose title id equals titleID.
func FindPID(text string, titleID uint64) (uint32, bool) {
	for _, p := range ParseProcessList(text) {
		if p.TitleID == titleID {
			return p.PID, true
		}
	}
	return 0, false
}

// FormatTitleID renders a title id the way the process list prints it.
func FormatTitleID(titleID uint64) string {
	return fmt.Sprintf("%016x", titleID)
}

// ParseTitleID accepts a title id with or without a 0x prefix.
func ParseTitleID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}
