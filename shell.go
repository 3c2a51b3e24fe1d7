package main

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	log "github.com/sirupsen/logrus"

	"github.com/paleotronic/atrm8/disk"
	"github.com/paleotronic/atrm8/panic"
	"github.com/paleotronic/atrm8/vfs"
)

const MAXVOL = 8

var commandList map[string]*shellCommand
var commandVolumes [MAXVOL]*vfs.Gateway
var commandTarget int = -1
var commandPath [MAXVOL]string

func mountGateway(g *vfs.Gateway) (int, error) {

	var fr []int

	for i, d := range commandVolumes {
		if d == nil {
			fr = append(fr, i)
		} else if g.Filename() == d.Filename() {
			g.Close()
			return i, nil
		}
	}

	if len(fr) == 0 {
		return -1, errors.New("No free slots")
	}

	commandVolumes[fr[0]] = g

	return fr[0], nil

}

func smartSplit(line string) (string, []string) {

	var out []string

	var inqq bool
	var lastEscape bool
	var chunk string

	add := func() {
		if chunk != "" {
			out = append(out, chunk)
			chunk = ""
		}
	}

	for _, ch := range line {
		switch {
		case ch == '"':
			inqq = !inqq
			add()
		case ch == ' ':
			if inqq || lastEscape {
				chunk += string(ch)
			} else {
				add()
			}
			lastEscape = false
		case ch == '\\' && !inqq:
			lastEscape = true
		default:
			chunk += string(ch)
		}
	}

	add()

	if len(out) == 0 {
		return "", out
	}

	return out[0], out[1:]
}

func getPrompt(wp [MAXVOL]string, t int) string {

	if t == -1 || commandVolumes[t] == nil {
		return fmt.Sprintf("atr:%d:%s:%s> ", 0, "<no mount>", "")
	}

	g := commandVolumes[t]

	return fmt.Sprintf("atr:%d:%s:%s> ", t, filepath.Base(g.Filename()), wp[t])
}

// resolvePath joins a command argument onto the current working
// directory of the active slot.
func resolvePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		base := commandPath[commandTarget]
		if base == "" {
			base = "/"
		}
		p = base + "/" + p
	}
	return path.Clean(p)
}

type shellCommand struct {
	Name             string
	Description      string
	MinArgs, MaxArgs int
	Code             func(args []string) int
	NeedsMount       bool
	Context          shellCommandContext
	Text             []string
}

type shellCommandContext int

const (
	sccNone shellCommandContext = 1 << iota
	sccLocal
	sccDiskFile
	sccCommand
	sccAnyFile = sccDiskFile | sccLocal
	sccAny     = sccAnyFile | sccCommand
)

type shellCompleter struct {
}

func hasPrefix(str []rune, prefix []rune) bool {
	if len(prefix) > len(str) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if str[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (sc *shellCompleter) Do(line []rune, pos int) ([][]rune, int) {

	prefix := ""
	chunk := ""
	for _, ch := range line {
		if ch == ' ' {
			prefix = chunk
			break
		} else {
			chunk += string(ch)
		}
	}

	chunk = ""
	cprefix := ""
	var lastEscape bool
	for i := 0; i < pos; i++ {
		ch := line[i]
		switch {
		case ch == '\\':
			lastEscape = true
		case ch == ' ' && !lastEscape:
			cprefix = chunk
			chunk = ""
			lastEscape = false
		default:
			chunk += string(ch)
		}
	}
	if chunk != "" {
		cprefix = chunk
	}

	var context shellCommandContext = sccNone
	cmd, match := commandList[prefix]
	if match {
		context = cmd.Context
	} else {
		context = sccCommand
	}

	var items [][]rune
	switch context {
	case sccCommand:
		for k := range commandList {
			items = append(items, []rune(k))
		}
	case sccDiskFile:
		if commandTarget == -1 || commandVolumes[commandTarget] == nil {
			return [][]rune(nil), 0
		}
		dir := commandPath[commandTarget]
		if dir == "" {
			dir = "/"
		}
		commandVolumes[commandTarget].ReadDir(dir, func(a vfs.Attr) error {
			items = append(items, []rune(a.Name))
			return nil
		})
	case sccLocal:
		files, err := filepath.Glob(cprefix + "*")
		if err != nil {
			return items, 0
		}
		for _, v := range files {
			items = append(items, []rune(v))
		}
	}

	if len(items) == 0 {
		return [][]rune(nil), 0
	}

	var filt [][]rune
	for _, v := range items {
		if hasPrefix(v, []rune(cprefix)) {
			filt = append(filt, shellEscape(v[len(cprefix):]))
		}
	}
	return filt, len(cprefix)
}

func shellEscape(str []rune) []rune {
	out := make([]rune, 0)
	for _, v := range str {
		if v == ' ' {
			out = append(out, '\\')
		}
		out = append(out, v)
	}
	return out
}

func init() {
	commandList = map[string]*shellCommand{
		"mount": {
			Name:        "mount",
			Description: "Mount a disk image",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellMount,
			NeedsMount:  false,
			Context:     sccLocal,
			Text: []string{
				"mount <imagefile[,option,...]>",
				"",
				"Mounts an image and switches to the new slot.",
				"Options: readonly, upcase, lowcase, nodotfiles, debug[=n]",
			},
		},
		"unmount": {
			Name:        "unmount",
			Description: "Unmount a disk image",
			MinArgs:     0,
			MaxArgs:     1,
			Code:        shellUnmount,
			NeedsMount:  true,
			Context:     sccNone,
			Text: []string{
				"unmount [<slot>]",
				"",
				"Unmount the image in the specified slot (or current slot)",
			},
		},
		"disks": {
			Name:        "disks",
			Description: "List mounted images",
			MinArgs:     -1,
			MaxArgs:     -1,
			Code:        shellDisks,
			NeedsMount:  false,
			Context:     sccNone,
		},
		"slot": {
			Name:        "slot",
			Description: "Switch to another mounted slot",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellSlot,
			NeedsMount:  false,
			Context:     sccNone,
			Text: []string{
				"slot <n>",
				"",
				"Make slot n the target for file commands",
			},
		},
		"info": {
			Name:        "info",
			Description: "Information about the current image",
			MinArgs:     -1,
			MaxArgs:     -1,
			Code:        shellInfo,
			NeedsMount:  true,
			Context:     sccNone,
		},
		"cat": {
			Name:        "cat",
			Description: "Catalog the current directory",
			MinArgs:     0,
			MaxArgs:     1,
			Code:        shellCat,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"cat [<path>]",
				"",
				"Catalog a directory with free space summary",
			},
		},
		"ls": {
			Name:        "ls",
			Description: "List files",
			MinArgs:     0,
			MaxArgs:     1,
			Code:        shellLs,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"dir": {
			Name:        "dir",
			Description: "List files (alias for ls)",
			MinArgs:     0,
			MaxArgs:     1,
			Code:        shellLs,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"cd": {
			Name:        "cd",
			Description: "Change directory on the current image",
			MinArgs:     0,
			MaxArgs:     1,
			Code:        shellCd,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"cd [<path>]",
				"",
				"Change the working directory (defaults to /)",
			},
		},
		"get": {
			Name:        "get",
			Description: "Copy a file out of the image",
			MinArgs:     1,
			MaxArgs:     2,
			Code:        shellGet,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"get <path> [<localfile>]",
				"",
				"Copies a file from the image to the local filesystem",
			},
		},
		"put": {
			Name:        "put",
			Description: "Copy a local file into the image",
			MinArgs:     1,
			MaxArgs:     2,
			Code:        shellPut,
			NeedsMount:  true,
			Context:     sccLocal,
			Text: []string{
				"put <localfile> [<path>]",
				"",
				"Copies a local file onto the image, replacing any",
				"existing file of the same name",
			},
		},
		"rm": {
			Name:        "rm",
			Description: "Delete a file",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellRm,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"ren": {
			Name:        "ren",
			Description: "Rename a file",
			MinArgs:     2,
			MaxArgs:     2,
			Code:        shellRen,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"ren <oldpath> <newpath>",
				"",
				"Renames a file, replacing the target if it exists",
			},
		},
		"mkdir": {
			Name:        "mkdir",
			Description: "Create a directory",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellMkdir,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"rmdir": {
			Name:        "rmdir",
			Description: "Remove an empty directory",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellRmdir,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"lock": {
			Name:        "lock",
			Description: "Lock a file against changes",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellLock,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"unlock": {
			Name:        "unlock",
			Description: "Unlock a file",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellUnlock,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"mkfs": {
			Name:        "mkfs",
			Description: "Create a fresh image",
			MinArgs:     1,
			MaxArgs:     2,
			Code:        shellMkfs,
			NeedsMount:  false,
			Context:     sccLocal,
			Text: []string{
				"mkfs <imagefile> [option,...]",
				"",
				"Creates an empty filesystem image and mounts it.",
				"Options: fstype=<name>, secsize=<128|256|512>,",
				"sectors=<n>, volname=<name>, cluster=<n>",
				"Defaults: fstype=dos2, secsize=128, sectors=720",
			},
		},
		"sector": {
			Name:        "sector",
			Description: "Hex dump a sector",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellSector,
			NeedsMount:  true,
			Context:     sccNone,
			Text: []string{
				"sector <n>",
				"",
				"Dump raw sector n of the current image",
			},
		},
		"list": {
			Name:        "list",
			Description: "Detokenize an Atari BASIC program",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellList,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		"analyze": {
			Name:        "analyze",
			Description: "Describe a file's content",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellAnalyze,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"analyze <path>",
				"",
				"Reports on binary load segments, tokenized BASIC",
				"or unknown content",
			},
		},
		"help": {
			Name:        "help",
			Description: "Shows this help",
			MinArgs:     0,
			MaxArgs:     1,
			Code:        shellHelp,
			NeedsMount:  false,
			Context:     sccCommand,
			Text: []string{
				"help <command>",
				"",
				"Display specific help for command or list of commands",
			},
		},
		"quit": {
			Name:        "quit",
			Description: "Leave this place",
			MinArgs:     -1,
			MaxArgs:     -1,
			Code:        shellQuit,
			NeedsMount:  false,
			Context:     sccNone,
		},
	}
}

func shellProcess(line string) int {
	line = strings.TrimSpace(line)

	verb, args := smartSplit(line)

	if verb != "" {
		verb = strings.ToLower(verb)
		command, ok := commandList[verb]
		if ok {
			fmt.Println()
			var cok = true
			if command.MinArgs != -1 {
				if len(args) < command.MinArgs {
					os.Stderr.WriteString(fmt.Sprintf("%s expects at least %d arguments\n", verb, command.MinArgs))
					cok = false
				}
			}
			if command.MaxArgs != -1 {
				if len(args) > command.MaxArgs {
					os.Stderr.WriteString(fmt.Sprintf("%s expects at most %d arguments\n", verb, command.MaxArgs))
					cok = false
				}
			}
			if command.NeedsMount {
				if commandTarget == -1 || commandVolumes[commandTarget] == nil {
					os.Stderr.WriteString(fmt.Sprintf("%s only works on mounted images\n", verb))
					cok = false
				}
			}
			if cok {
				r := -1
				panic.Do(
					func() {
						r = command.Code(args)
					},
					func(rec interface{}) {
						os.Stderr.WriteString(fmt.Sprintf("%s failed: %v\n", verb, rec))
						log.Errorf(string(debug.Stack()))
					},
				)
				fmt.Println()
				return r
			} else {
				return -1
			}
		} else {
			os.Stderr.WriteString(fmt.Sprintf("Unrecognized command: %s\n", verb))
			return -1
		}
	}

	return 0
}

func shellRun(mountArg string) error {

	if mountArg != "" {
		if shellMount([]string{mountArg}) != 0 {
			return fmt.Errorf("cannot mount %s", mountArg)
		}
	}

	shellDo()

	for i, g := range commandVolumes {
		if g != nil {
			g.Close()
			commandVolumes[i] = nil
		}
	}

	return nil
}

func shellDo() {

	ac := &shellCompleter{}

	history := ".atrm8_history"
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".atrm8_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 getPrompt(commandPath, commandTarget),
		HistoryFile:            history,
		DisableAutoSaveHistory: false,
		AutoComplete:           ac,
	})
	if err != nil {
		os.Exit(2)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}

		if shellProcess(line) == 999 {
			return
		}

		rl.SetPrompt(getPrompt(commandPath, commandTarget))
	}

}

func shellMount(args []string) int {

	o, err := vfs.ParseOptions(args[0])
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	g, err := vfs.New(o)
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	// the info option reports without taking a slot
	if o.Info {
		fmt.Print(g.Info())
		fmt.Print(g.FSInfo())
		g.Close()
		return 0
	}

	slotid, err := mountGateway(g)
	if err != nil {
		g.Close()
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	commandTarget = slotid
	if commandPath[slotid] == "" {
		commandPath[slotid] = "/"
	}
	os.Stderr.WriteString(fmt.Sprintf("Mounted %s in slot %d (%s)\n", o.Filename, slotid, commandVolumes[slotid].DriverName()))

	return 0
}

func shellUnmount(args []string) int {

	if len(args) > 0 {
		if shellSlot(args) == -1 {
			return -1
		}
	}

	if commandVolumes[commandTarget] != nil {

		if err := commandVolumes[commandTarget].Close(); err != nil {
			os.Stderr.WriteString("Error: " + err.Error() + "\n")
		}
		commandVolumes[commandTarget] = nil
		commandPath[commandTarget] = ""

		os.Stderr.WriteString("Unmounted volume\n")

	}

	return 0
}

func shellDisks(args []string) int {

	fmt.Println("Mounted Volumes")
	for i, g := range commandVolumes {
		if g != nil {
			ro := ""
			if g.ReadOnly() {
				ro = " (ro)"
			}
			fmt.Printf("%d:%s [%s]%s\n", i, g.Filename(), g.DriverName(), ro)
		}
	}

	return 0
}

func shellSlot(args []string) int {

	tmp, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		os.Stderr.WriteString("Invalid slot number: " + args[0] + "\n")
		return -1
	}

	slotid := int(tmp)
	if slotid < 0 || slotid >= MAXVOL {
		os.Stderr.WriteString(fmt.Sprintf("Valid slots are %d to %d.\n", 0, MAXVOL-1))
		return -1
	}

	if commandVolumes[slotid] == nil {
		os.Stderr.WriteString(fmt.Sprintf("Nothing mounted in slot %d (use disks to see mounts)\n", slotid))
		return -1
	}

	commandTarget = slotid

	return 0
}

func shellInfo(args []string) int {

	fmt.Print(commandVolumes[commandTarget].Info())

	return 0
}

func shellQuit(args []string) int {

	return 999

}

func shellCat(args []string) int {

	g := commandVolumes[commandTarget]

	dir := commandPath[commandTarget]
	if len(args) > 0 {
		dir = resolvePath(args[0])
	}

	fmt.Printf("%-20s %8s  %-16s\n", "NAME", "BYTES", "MODIFIED")
	err := g.ReadDir(dir, func(a vfs.Attr) error {
		kind := ""
		switch {
		case a.IsDir:
			kind = "<dir>"
		case a.IsLink:
			kind = "<link>"
		case a.Locked:
			kind = "locked"
		}
		ts := ""
		if !a.MTime.IsZero() {
			ts = a.MTime.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-20s %8d  %-16s  %s\n", a.Name, a.Size, ts, kind)
		return nil
	})
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	if st, err := g.StatFS(dir); err == nil {
		fmt.Printf("\n%d sectors free of %d, %d bytes per sector\n", st.FreeSectors, st.TotalSectors, st.SectorSize)
	}

	return 0
}

func shellLs(args []string) int {

	g := commandVolumes[commandTarget]

	dir := commandPath[commandTarget]
	if len(args) > 0 {
		dir = resolvePath(args[0])
	}

	err := g.ReadDir(dir, func(a vfs.Attr) error {
		fmt.Println(formatEntry(a))
		return nil
	})
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	return 0
}

func shellCd(args []string) int {

	g := commandVolumes[commandTarget]

	p := "/"
	if len(args) > 0 {
		p = resolvePath(args[0])
	}

	a, err := g.GetAttr(p)
	if err != nil {
		os.Stderr.WriteString("No such directory\n")
		return -1
	}
	if !a.IsDir {
		os.Stderr.WriteString("Not a directory\n")
		return -1
	}

	commandPath[commandTarget] = p
	fmt.Printf("Switched to directory %s\n", p)

	return 0
}

func shellGet(args []string) int {

	g := commandVolumes[commandTarget]

	p := resolvePath(args[0])
	data, err := g.ReadAll(p)
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	local := filepath.Base(p)
	if len(args) > 1 {
		local = args[1]
	}

	if err := os.WriteFile(local, data, 0644); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	fmt.Printf("%s: %d bytes\n", local, len(data))

	return 0
}

func shellPut(args []string) int {

	g := commandVolumes[commandTarget]

	data, err := os.ReadFile(args[0])
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	dest := resolvePath(filepath.Base(args[0]))
	if len(args) > 1 {
		dest = resolvePath(args[1])
	}

	if err := g.WriteAll(dest, data); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	fmt.Printf("%s: %d bytes\n", dest, len(data))

	return 0
}

func shellRm(args []string) int {

	if err := commandVolumes[commandTarget].Unlink(resolvePath(args[0])); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	return 0
}

func shellRen(args []string) int {

	g := commandVolumes[commandTarget]

	if err := g.Rename(resolvePath(args[0]), resolvePath(args[1]), 0); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	return 0
}

func shellMkdir(args []string) int {

	if err := commandVolumes[commandTarget].Mkdir(resolvePath(args[0])); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	return 0
}

func shellRmdir(args []string) int {

	if err := commandVolumes[commandTarget].Rmdir(resolvePath(args[0])); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	return 0
}

func shellLock(args []string) int {

	if err := commandVolumes[commandTarget].Chmod(resolvePath(args[0]), 0444); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	return 0
}

func shellUnlock(args []string) int {

	if err := commandVolumes[commandTarget].Chmod(resolvePath(args[0]), 0644); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	return 0
}

func shellMkfs(args []string) int {

	optstr := args[0] + ",create,fstype=dos2,secsize=128,sectors=720"
	if len(args) > 1 {
		optstr += "," + args[1]
	}

	o, err := vfs.ParseOptions(optstr)
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	g, err := vfs.New(o)
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	slotid, err := mountGateway(g)
	if err != nil {
		g.Close()
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	commandTarget = slotid
	commandPath[slotid] = "/"
	fmt.Print(g.Info())

	return 0
}

func shellSector(args []string) int {

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		os.Stderr.WriteString("Invalid sector number: " + args[0] + "\n")
		return -1
	}

	data, err := commandVolumes[commandTarget].ReadAll("/.sector" + strconv.Itoa(n))
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	fmt.Print(disk.DumpString(data, 0))

	return 0
}

func shellList(args []string) int {

	data, err := commandVolumes[commandTarget].ReadAll(resolvePath(args[0]))
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	text, err := disk.ListBasic(data)
	if err != nil {
		os.Stderr.WriteString("Not a tokenized BASIC file\n")
		return -1
	}

	fmt.Print(text)

	return 0
}

func shellAnalyze(args []string) int {

	p := resolvePath(args[0])
	data, err := commandVolumes[commandTarget].ReadAll(p)
	if err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return -1
	}

	fmt.Print(disk.Analyze(filepath.Base(p), data))

	return 0
}

func shellHelp(args []string) int {

	if len(args) == 0 {
		keys := make([]string, 0)
		for k := range commandList {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			info := commandList[k]
			fmt.Printf("%-10s %s\n", info.Name, info.Description)
		}
	} else {
		command := strings.ToLower(args[0])
		if details, ok := commandList[command]; ok {
			if details.Text != nil {
				for _, l := range details.Text {
					fmt.Println(l)
				}
			} else {
				os.Stderr.WriteString("No help available for " + command)
			}
		} else {
			os.Stderr.WriteString("No help available for " + command)
		}
	}

	return 0
}
