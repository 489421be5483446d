// Command zeroskip is a small CLI front end over the zeroskip package:
// create a directory, dump its keys, or replay a newline-delimited
// batch file of put/delete commands into it.
//
// Usage:
//
//	zeroskip new -dir DIR
//	zeroskip dump -dir DIR [-r level]
//	zeroskip batch -dir DIR -c commands.txt [-config config.json]
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ajaysusarla/zeroskip"
	"github.com/ajaysusarla/zeroskip/internal/zsconfig"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "new":
		err = runNew(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	case "batch":
		err = runBatch(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "zeroskip:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: zeroskip <new|dump|batch> [flags]")
}

func runNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	dir := fs.String("dir", "", "directory to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	db, err := zeroskip.Open(*dir, zeroskip.ModeCreate)
	if err != nil {
		return err
	}
	return db.Close()
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	dir := fs.String("dir", "", "directory to dump")
	level := fs.Int("r", 0, "dump level: 0=keys only, 1=keys and values")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	db, err := zeroskip.Open(*dir, zeroskip.ModeReadOnly)
	if err != nil {
		return err
	}
	defer db.Close()

	var buf bytes.Buffer
	if err := db.Dump(*level, &buf); err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf.Bytes())
	return err
}

func runBatch(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	dir := fs.String("dir", "", "directory to write into")
	cmdPath := fs.String("c", "", "path to a newline-delimited command file")
	configPath := fs.String("config", "", "path to a JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || *cmdPath == "" {
		return fmt.Errorf("-dir and -c are required")
	}

	var cfg *zsconfig.Config
	if *configPath != "" {
		loaded, err := zsconfig.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	db, err := zeroskip.OpenWithConfig(*dir, zeroskip.ModeCreate, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Open(*cmdPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := applyBatch(db, f); err != nil {
		return err
	}
	return db.Commit()
}

// applyBatch reads lines of the form "PUT key value" or "DEL key" and
// applies each one in order.
func applyBatch(db *zeroskip.DB, r *os.File) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch strings.ToUpper(fields[0]) {
		case "PUT":
			if len(fields) != 3 {
				return fmt.Errorf("line %d: PUT requires a key and a value", lineNo)
			}
			if err := db.Add([]byte(fields[1]), []byte(fields[2])); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		case "DEL":
			if len(fields) != 2 {
				return fmt.Errorf("line %d: DEL requires a key", lineNo)
			}
			if err := db.Remove([]byte(fields[1])); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		default:
			return fmt.Errorf("line %d: unknown command %q", lineNo, fields[0])
		}
	}
	return scanner.Err()
}
