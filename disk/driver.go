package disk

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

type DriverID int

const (
	DRIVER_UNKNOWN DriverID = iota
	DRIVER_DOS1
	DRIVER_DOS2
	DRIVER_DOS20D
	DRIVER_DOS25
	DRIVER_MYDOS
	DRIVER_SPARTA
	DRIVER_DOS3
	DRIVER_DOS4
	DRIVER_DOSXE
	DRIVER_LITEDOS
)

var driverNames = map[DriverID]string{
	DRIVER_UNKNOWN: "unknown",
	DRIVER_DOS1:    "dos1",
	DRIVER_DOS2:    "dos2",
	DRIVER_DOS20D:  "dos20d",
	DRIVER_DOS25:   "dos25",
	DRIVER_MYDOS:   "mydos",
	DRIVER_SPARTA:  "sparta",
	DRIVER_DOS3:    "dos3",
	DRIVER_DOS4:    "dos4",
	DRIVER_DOSXE:   "dosxe",
	DRIVER_LITEDOS: "litedos",
}

func (id DriverID) String() string {
	if s, ok := driverNames[id]; ok {
		return s
	}
	return "unknown"
}

// DriverIDByName resolves an fstype option value.
func DriverIDByName(name string) (DriverID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, s := range driverNames {
		if s == name {
			return id, nil
		}
	}
	return DRIVER_UNKNOWN, ErrInvalidArg
}

// FileInfo is the directory entry record every driver reports. MTime stays
// zero for formats that keep no timestamps. Start is the first on-image
// sector of the entry and seeds the virtual inode number.
type FileInfo struct {
	Name   string
	Size   int
	IsDir  bool
	Locked bool
	MTime  time.Time
	Start  int
}

type StatFS struct {
	SectorSize   int
	TotalSectors int
	FreeSectors  int
	TotalEntries int
	FreeEntries  int
	NameLen      int
}

// Rename flags, matching the linux renameat2 values.
const (
	RENAME_NOREPLACE = 1
	RENAME_EXCHANGE  = 2
)

type NewFSOptions struct {
	VolName string
	Cluster int // sectors per cluster where the format allows a choice
}

// AtariDriver is the operation set every format implements. Drivers are
// stateless; per-image state lives in the wrapper and on the image itself.
// Content writes replace the whole file, the way the DOS menus did it; the
// gateway assembles ranged writes on top via read-modify-write.
type AtariDriver interface {
	ID() DriverID
	Name() string

	// Probe reports whether the image carries this filesystem. Probes must
	// not mutate the image.
	Probe(w *ATRWrapper) bool

	// NewFS writes a fresh empty filesystem onto the image.
	NewFS(w *ATRWrapper, opt NewFSOptions) error

	GetAttr(w *ATRWrapper, path string) (FileInfo, error)
	ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error
	ReadFile(w *ATRWrapper, path string) ([]byte, error)
	WriteFile(w *ATRWrapper, path string, data []byte) error
	Create(w *ATRWrapper, path string) error
	Truncate(w *ATRWrapper, path string, size int) error
	Mkdir(w *ATRWrapper, path string) error
	Rmdir(w *ATRWrapper, path string) error
	Unlink(w *ATRWrapper, path string) error
	Rename(w *ATRWrapper, oldpath, newpath string, flags int) error
	SetLocked(w *ATRWrapper, path string, locked bool) error
	Utime(w *ATRWrapper, path string, mtime time.Time) error
	StatFS(w *ATRWrapper) (StatFS, error)
	FSInfo(w *ATRWrapper) string
}

// driverTable is the probe precedence. Structured formats with strong
// signatures go first; the DOS 2 family probes are heuristic and ordered
// densest first; unknown accepts whatever is left.
var driverTable = []AtariDriver{
	&SpartaDriver{},
	&XEDriver{},
	&DOS4Driver{},
	&DOS3Driver{},
	&LiteDOSDriver{},
	&DOS2Driver{variant: DRIVER_DOS25},
	&DOS2Driver{variant: DRIVER_DOS20D},
	&DOS2Driver{variant: DRIVER_DOS2},
	&DOS2Driver{variant: DRIVER_DOS1},
	&DOS2Driver{variant: DRIVER_MYDOS},
	&UnknownDriver{},
}

// DriverFor returns the driver value for an id, the unknown driver when the
// id has no entry.
func DriverFor(id DriverID) AtariDriver {
	for _, d := range driverTable {
		if d.ID() == id {
			return d
		}
	}
	return &UnknownDriver{}
}

// Identify probes the image against every driver in precedence order and
// records the result on the wrapper.
func Identify(w *ATRWrapper) AtariDriver {
	for _, d := range driverTable {
		if d.Probe(w) {
			log.Debugf("%s: identified as %s", w.Filename, d.Name())
			w.Format = d.ID()
			return d
		}
	}
	// unreachable: the unknown driver probes true
	w.Format = DRIVER_UNKNOWN
	return &UnknownDriver{}
}

// countFreeBits counts set bits over a bitmap slice, the common free sector
// accounting for VTOC style maps.
func countFreeBits(b []byte) int {
	n := 0
	for _, v := range b {
		for i := 0; i < 8; i++ {
			if v&(1<<uint(7-i)) != 0 {
				n++
			}
		}
	}
	return n
}

// splitPath breaks a gateway path into segments, tolerating any number of
// leading or doubled slashes.
func splitPath(path string) []string {
	parts := []string{}
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// baseDir splits a path into its directory part and final name.
func baseDir(path string) ([]string, string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, ""
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}
