package vfs

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/paleotronic/atrm8/disk"
)

// Options is the mount configuration. The CLI fills it from flags, the
// shell from a comma separated option string.
type Options struct {
	Filename   string
	NoDotFiles bool
	Debug      int
	Info       bool
	Create     bool
	SecSize    int
	Sectors    int
	FSType     string
	VolName    string
	Cluster    int
	Upcase     bool
	Lowcase    bool
	ReadOnly   bool
}

// ParseOptions parses a mount option string such as
// "image.atr,create,secsize=256,sectors=1440,fstype=sparta". A bare
// first element without '=' is taken as the filename.
func ParseOptions(s string) (Options, error) {

	var o Options

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, val := part, ""
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			key, val = part[:eq], part[eq+1:]
		}

		switch key {
		case "filename":
			o.Filename = val
		case "nodotfiles":
			o.NoDotFiles = true
		case "debug":
			o.Debug = 1
			if val != "" {
				n, err := strconv.Atoi(val)
				if err != nil || n < 0 {
					log.Errorf("bad debug level %q", val)
					return o, disk.ErrInvalidArg
				}
				o.Debug = n
			}
		case "info":
			o.Info = true
		case "create":
			o.Create = true
		case "secsize":
			n, err := strconv.Atoi(val)
			if err != nil {
				log.Errorf("bad secsize %q", val)
				return o, disk.ErrInvalidArg
			}
			o.SecSize = n
		case "sectors":
			n, err := strconv.Atoi(val)
			if err != nil {
				log.Errorf("bad sector count %q", val)
				return o, disk.ErrInvalidArg
			}
			o.Sectors = n
		case "fstype":
			o.FSType = val
		case "volname":
			o.VolName = val
		case "cluster":
			n, err := strconv.Atoi(val)
			if err != nil {
				log.Errorf("bad cluster size %q", val)
				return o, disk.ErrInvalidArg
			}
			o.Cluster = n
		case "upcase":
			o.Upcase = true
		case "lowcase":
			o.Lowcase = true
		case "readonly", "ro":
			o.ReadOnly = true
		default:
			if i == 0 && val == "" {
				o.Filename = key
				continue
			}
			log.Errorf("unknown mount option %q", key)
			return o, disk.ErrInvalidArg
		}
	}

	return o, o.Validate()
}

// Validate normalizes the option set. Lowcase implies upcase.
func (o *Options) Validate() error {

	if o.Lowcase {
		o.Upcase = true
	}

	if o.Filename == "" {
		log.Errorf("no image filename given")
		return disk.ErrInvalidArg
	}

	if o.Create {
		switch o.SecSize {
		case 128, 256, 512:
		default:
			log.Errorf("create: secsize must be 128, 256 or 512 (got %d)", o.SecSize)
			return disk.ErrInvalidArg
		}
		if o.Sectors < disk.MIN_SECTORS || o.Sectors > disk.MAX_SECTORS {
			log.Errorf("create: sector count %d out of range", o.Sectors)
			return disk.ErrInvalidArg
		}
		if _, err := disk.DriverIDByName(o.FSType); err != nil {
			log.Errorf("create: unknown fstype %q", o.FSType)
			return disk.ErrInvalidArg
		}
		if len(o.VolName) > 8 {
			log.Errorf("create: volume name %q longer than 8 characters", o.VolName)
			return disk.ErrInvalidArg
		}
		if o.Cluster != 0 {
			switch o.Cluster {
			case 2, 4, 8, 16:
			default:
				log.Errorf("create: cluster size %d not a power of two in 2..16", o.Cluster)
				return disk.ErrInvalidArg
			}
		}
	}

	return nil
}
