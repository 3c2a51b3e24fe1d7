package main

/*
atrm8 is a read/write gateway onto Atari 8-bit disk images. It mounts
ATR images, understands the classic DOS filesystem family (DOS 1/2/2.5,
MyDOS, SpartaDOS, DOS 3, DOS 4, DOS XE, LiteDOS) plus APT partitioned
disks, and exposes them through a command line, an interactive shell
and a small HTTP API.
*/

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/paleotronic/atrm8/vfs"
)

func init() {

	log.SetOutput(os.Stderr)

	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		l, err := log.ParseLevel(level)
		if err != nil {
			log.Errorf("invalid log level %q; valid levels are: panic, fatal, error, warn, info, debug, trace", level)
		} else {
			log.SetLevel(l)
		}
	}

	viper.SetEnvPrefix("atrm8")
	viper.AutomaticEnv()
	viper.SetDefault("listen", ":8580")
}

var mountFlags vfs.Options

// addMountFlags wires the shared mount options onto a command.
func addMountFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&mountFlags.ReadOnly, "readonly", false, "mount the image read-only")
	fs.BoolVar(&mountFlags.Upcase, "upcase", false, "uppercase names on the way in")
	fs.BoolVar(&mountFlags.Lowcase, "lowcase", false, "lowercase names on the way out (implies upcase)")
	fs.BoolVar(&mountFlags.NoDotFiles, "nodotfiles", false, "suppress the synthetic dot files")
	fs.IntVarP(&mountFlags.Debug, "debug", "d", 0, "diagnostic verbosity")
}

func applyDebug(level int) {
	switch {
	case level >= 2:
		log.SetLevel(log.TraceLevel)
	case level == 1:
		log.SetLevel(log.DebugLevel)
	}
}

func openGateway(image string) (*vfs.Gateway, error) {
	o := mountFlags
	o.Filename = image
	applyDebug(o.Debug)
	return vfs.New(o)
}

var rootCmd = &cobra.Command{
	Use:           "atrm8",
	Short:         "Atari 8-bit disk image gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show image, filesystem and partition details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway(args[0])
		if err != nil {
			return err
		}
		defer g.Close()
		fmt.Print(g.Info())
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <image> [path]",
	Short: "List a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway(args[0])
		if err != nil {
			return err
		}
		defer g.Close()

		p := "/"
		if len(args) > 1 {
			p = args[1]
		}
		return g.ReadDir(p, func(a vfs.Attr) error {
			fmt.Println(formatEntry(a))
			return nil
		})
	},
}

func formatEntry(a vfs.Attr) string {
	kind := "-"
	switch {
	case a.IsDir:
		kind = "d"
	case a.IsLink:
		kind = "l"
	}
	lock := " "
	if a.Locked {
		lock = "*"
	}
	ts := strings.Repeat(" ", 16)
	if !a.MTime.IsZero() {
		ts = a.MTime.Format("2006-01-02 15:04")
	}
	return fmt.Sprintf("%s%s %8d  %s  %s", kind, lock, a.Size, ts, a.Name)
}

var getCmd = &cobra.Command{
	Use:   "get <image> <path> [local]",
	Short: "Copy a file out of the image",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway(args[0])
		if err != nil {
			return err
		}
		defer g.Close()

		data, err := g.ReadAll(args[1])
		if err != nil {
			return err
		}
		local := filepath.Base(args[1])
		if len(args) > 2 {
			local = args[2]
		}
		if err := os.WriteFile(local, data, 0644); err != nil {
			return err
		}
		fmt.Printf("%s: %d bytes\n", local, len(data))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <image> <local> [path]",
	Short: "Copy a local file into the image",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway(args[0])
		if err != nil {
			return err
		}
		defer g.Close()

		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		dest := "/" + filepath.Base(args[1])
		if len(args) > 2 {
			dest = args[2]
		}
		if err := g.WriteAll(dest, data); err != nil {
			return err
		}
		fmt.Printf("%s: %d bytes\n", dest, len(data))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <image> <path>",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway(args[0])
		if err != nil {
			return err
		}
		defer g.Close()
		return g.Unlink(args[1])
	},
}

var mkfsOpts vfs.Options

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image>",
	Short: "Create a fresh image with an empty filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := mkfsOpts
		o.Filename = args[0]
		o.Create = true
		applyDebug(mountFlags.Debug)

		g, err := vfs.New(o)
		if err != nil {
			return err
		}
		defer g.Close()
		fmt.Print(g.Info())
		return nil
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell [image[,option,...]]",
	Short: "Interactive shell over one or more images",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDebug(mountFlags.Debug)
		mountArg := ""
		if len(args) > 0 {
			mountArg = args[0]
		}
		return shellRun(mountArg)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve <image>",
	Short: "Serve a read-only HTTP API over an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway(args[0])
		if err != nil {
			return err
		}
		defer g.Close()
		return NewAPIServer(viper.GetString("listen"), g).Serve()
	},
}

func main() {

	addMountFlags(rootCmd.PersistentFlags())

	mkfsCmd.Flags().StringVar(&mkfsOpts.FSType, "fstype", "dos2", "filesystem to create")
	mkfsCmd.Flags().IntVar(&mkfsOpts.SecSize, "secsize", 128, "sector size (128, 256 or 512)")
	mkfsCmd.Flags().IntVar(&mkfsOpts.Sectors, "sectors", 720, "sector count (4..65535)")
	mkfsCmd.Flags().StringVar(&mkfsOpts.VolName, "volname", "", "volume name (sparta, dosxe)")
	mkfsCmd.Flags().IntVar(&mkfsOpts.Cluster, "cluster", 0, "sectors per cluster (litedos)")

	serveCmd.Flags().String("listen", ":8580", "listen address for the API")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))

	rootCmd.AddCommand(infoCmd, lsCmd, getCmd, putCmd, rmCmd, mkfsCmd, shellCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
