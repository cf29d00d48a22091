package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/oKV/cmd/util"
	"github.com/ValentinKolb/oKV/lib/db"
	"github.com/ValentinKolb/oKV/lib/db/engines/larch"
	"github.com/ValentinKolb/oKV/lib/ohmap"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/peterh/liner"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/cobra"
)

var log = logger.GetLogger("cli")

// ShellCmd starts an interactive session on local maps
var ShellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell on local off-heap maps",
	Long: util.WrapString(`Opens a map with the configured options and reads commands from the terminal.
Further maps with the same options can be opened by name. All data is lost when the shell exits.`),
	RunE: run,
}

// commands lists every shell command for help and tab completion
var commands = []string{
	"put", "putnx", "get", "has", "touch", "del",
	"count", "info", "sweep", "cleanup", "clear", "histogram",
	"fill", "open", "use", "ls", "help", "exit",
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session holds the open databases of one shell
type session struct {
	dbs     *xsync.MapOf[string, db.KVDB]
	current string
	open    func(name string) (db.KVDB, error)
}

func newSession(open func(name string) (db.KVDB, error)) *session {
	return &session{
		dbs:  xsync.NewMapOf[string, db.KVDB](),
		open: open,
	}
}

// openDB opens a database with the options from the command line
func openDB(name string) (db.KVDB, error) {
	opts, err := util.GetDBOptions(name)
	if err != nil {
		return nil, err
	}
	return larch.NewLarchDB(opts)
}

// use makes the named database current, opening it if needed
func (s *session) use(name string, create bool) error {
	if _, ok := s.dbs.Load(name); !ok {
		if !create {
			return fmt.Errorf("no database named %q (use 'open %s' to create it)", name, name)
		}
		database, err := s.open(name)
		if err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
		s.dbs.Store(name, database)
		log.Infof("opened database %s", name)
	}
	s.current = name
	return nil
}

// currentDB returns the current database
func (s *session) currentDB() db.KVDB {
	database, _ := s.dbs.Load(s.current)
	return database
}

// close closes all databases
func (s *session) close() error {
	var errs []error
	s.dbs.Range(func(name string, database db.KVDB) bool {
		errs = append(errs, database.Close())
		s.dbs.Delete(name)
		return true
	})
	return errors.Join(errs...)
}

// execute runs one command line and writes the result to out.
// It returns false when the shell should exit.
func (s *session) execute(line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "exit", "quit", "q":
		return false
	case "help", "?":
		printHelp(out)
	case "open":
		if err = needArgs(args, 1); err == nil {
			err = s.use(args[0], true)
		}
	case "use":
		if err = needArgs(args, 1); err == nil {
			err = s.use(args[0], false)
		}
	case "ls":
		s.cmdList(out)
	default:
		if s.currentDB() == nil {
			err = errors.New("no database open (use 'open <name>')")
			break
		}
		err = s.dispatch(cmd, args, out)
	}

	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return true
}

// dispatch runs the commands that work on the current database
func (s *session) dispatch(cmd string, args []string, out io.Writer) error {
	database := s.currentDB()

	switch cmd {
	case "put":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		if err := database.Set(args[0], []byte(strings.Join(args[1:], " "))); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "putnx":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		inserted, err := database.SetIfAbsent(args[0], []byte(strings.Join(args[1:], " ")))
		if err != nil {
			return err
		}
		if inserted {
			fmt.Fprintln(out, "OK")
		} else {
			fmt.Fprintln(out, "(exists)")
		}

	case "get":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		if value, ok := database.Get(args[0]); ok {
			fmt.Fprintf(out, "%q\n", value)
		} else {
			fmt.Fprintln(out, "(not found)")
		}

	case "has":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		fmt.Fprintln(out, database.Has(args[0]))

	case "touch":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		fmt.Fprintln(out, database.Touch(args[0]))

	case "del", "delete":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		fmt.Fprintln(out, database.Delete(args[0]))

	case "count", "len":
		fmt.Fprintln(out, s.mapOf(database).Count())

	case "info":
		data, err := json.MarshalIndent(database.GetInfo(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))

	case "sweep":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		maxAge, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d entries\n", database.RemoveExpired(maxAge))

	case "cleanup":
		if err := needArgs(args, 1); err != nil {
			return err
		}
		policy, err := ohmap.ParsePolicy(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d entries\n", s.mapOf(database).Cleanup(policy))

	case "clear":
		database.Clear()
		fmt.Fprintln(out, "OK")

	case "histogram":
		printHistogram(out, s.mapOf(database).AgeHistogram())

	case "fill":
		return s.cmdFill(database, args, out)

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	return nil
}

// mapOf returns the off-heap map behind a database
func (s *session) mapOf(database db.KVDB) *ohmap.BytesMap {
	return larch.Map(database)
}

func (s *session) cmdList(out io.Writer) {
	var names []string
	s.dbs.Range(func(name string, _ db.KVDB) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	for _, name := range names {
		marker := " "
		if name == s.current {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, name)
	}
}

// cmdFill inserts n entries key-0 ... key-(n-1) with values of the given size
func (s *session) cmdFill(database db.KVDB, args []string, out io.Writer) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid count %q", args[0])
	}
	size := 16
	if len(args) > 1 {
		if size, err = strconv.Atoi(args[1]); err != nil || size < 0 {
			return fmt.Errorf("invalid value size %q", args[1])
		}
	}

	value := make([]byte, size)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		if err := database.Set(fmt.Sprintf("key-%d", i), value); err != nil {
			return fmt.Errorf("after %d entries: %w", i, err)
		}
	}
	fmt.Fprintf(out, "inserted %d entries in %s\n", n, time.Since(start).Round(time.Microsecond))
	return nil
}

// --------------------------------------------------------------------------
// Output helpers
// --------------------------------------------------------------------------

func needArgs(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("expected at least %d argument(s), got %d", n, len(args))
	}
	return nil
}

// printHistogram prints the non-empty slots, oldest first
func printHistogram(out io.Writer, hist ohmap.AgeHistogram) {
	if hist.Total() == 0 {
		fmt.Fprintln(out, "(empty, run sweep or cleanup first)")
		return
	}
	for slot, n := range hist {
		if n == 0 {
			continue
		}
		age := time.Duration(ohmap.MinAge(slot)) * time.Millisecond
		fmt.Fprintf(out, "slot %2d  >= %-12s %d\n", slot, age, n)
	}
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `Commands:
  put <key> [value]       set a value
  putnx <key> [value]     set a value if the key is absent
  get <key>               print a value
  has <key>               check if a key exists (expired or not)
  touch <key>             restart the time to live of a key
  del <key>               remove a key
  count                   number of entries
  info                    database statistics as JSON
  sweep <duration>        remove entries not accessed for duration
  cleanup <policy>        run one eviction cycle (ttl, histogram, sampling)
  clear                   remove all entries
  histogram               age histogram of the last sweep
  fill <n> [size]         insert n entries key-0 ... with values of size bytes
  open <name>             open a new database and use it
  use <name>              switch to an open database
  ls                      list open databases
  help                    show this help
  exit                    leave the shell
`)
}

// --------------------------------------------------------------------------
// REPL
// --------------------------------------------------------------------------

// historyFile returns the path to the history file
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".okv_history")
}

// completer provides tab completion for commands
func completer(line string) []string {
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func run(_ *cobra.Command, _ []string) error {
	s := newSession(openDB)
	defer func() {
		if err := s.close(); err != nil {
			log.Errorf("closing databases: %v", err)
		}
	}()

	if err := s.use("default", true); err != nil {
		return err
	}

	state := liner.NewLiner()
	defer state.Close()
	state.SetCtrlCAborts(true)
	state.SetCompleter(completer)

	path := historyFile()
	if f, err := os.Open(path); err == nil {
		_, _ = state.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if path == "" {
			return
		}
		if f, err := os.Create(path); err == nil {
			_, _ = state.WriteHistory(f)
			_ = f.Close()
		}
	}()

	fmt.Println("oKV shell - type 'help' for available commands.")
	for {
		line, err := state.Prompt(fmt.Sprintf("okv:%s> ", s.current))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		state.AppendHistory(line)

		if !s.execute(line, os.Stdout) {
			return nil
		}
	}
}
