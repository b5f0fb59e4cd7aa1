package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"whereabouts/internal/config"
	"whereabouts/internal/database/migrations"
)

const usage = `Usage: migrate -command [up|down|goto|version|force|create] [options]

Commands:
  up        Apply pending migrations (all, or -steps N)
  down      Roll back -steps N migrations (default 1)
  goto      Migrate up or down to -version N
  version   Show the current schema version
  force     Mark -version N as applied without running it
  create    Write an empty up/down pair named -name into -dir

The database is taken from DATABASE_URL or the DB_* variables.
`

func main() {
	var (
		command = flag.String("command", "", "Migration command")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Int("version", -1, "Migration version (for goto/force)")
		name    = flag.String("name", "", "Migration name (for create)")
		dir     = flag.String("dir", "internal/database/migrations/sql", "Migration directory (for create)")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *command == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*command, *steps, *version, *name, *dir); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(command string, steps, version int, name, dir string) error {
	if command == "create" {
		return create(dir, name)
	}

	cfg := config.NewConfig()
	mg, err := migrations.New(cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer func() {
		if err := mg.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "migrate: failed to close:", err)
		}
	}()

	switch command {
	case "up":
		if steps > 0 {
			err = mg.Steps(steps)
		} else {
			err = mg.Up()
		}
	case "down":
		err = mg.Steps(-max(steps, 1))
	case "goto":
		if version < 0 {
			return errors.New("goto needs -version")
		}
		err = mg.Goto(uint(version))
	case "force":
		if version < 0 {
			return errors.New("force needs -version")
		}
		err = mg.Force(version)
	case "version":
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		return err
	}

	v, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Printf("Schema at version %d (%s)\n", v, state)
	return nil
}

func create(dir, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("create needs -name")
	}
	next := nextMigrationNumber(dir)
	for _, direction := range []string{"up", "down"} {
		path := filepath.Join(dir, fmt.Sprintf("%06d_%s.%s.sql", next, name, direction))
		if err := os.WriteFile(path, []byte("-- "+name+" ("+direction+")\n\n"), 0o644); err != nil {
			return err
		}
		fmt.Println("Created", path)
	}
	return nil
}

// nextMigrationNumber returns one past the highest numbered file in dir.
func nextMigrationNumber(dir string) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}

	highest := 0
	for _, file := range files {
		var num int
		if _, err := fmt.Sscanf(file.Name(), "%d_", &num); err == nil && !file.IsDir() {
			highest = max(highest, num)
		}
	}
	return highest + 1
}
