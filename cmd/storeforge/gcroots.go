package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/superfly/storeforge"
)

// runGCRoots manages the numbered gc-root symlinks spec.md §6 describes:
// "<stateDir>/links/<N> — numbered symlinks to built outputs". This is
// user-environment bookkeeping outside the core engine, touched only when
// asked.
func runGCRoots(cfg storeforge.Config, args []string) error {
	linksDir := filepath.Join(cfg.StateDir, "links")

	switch args[0] {
	case "add":
		if len(args) != 2 {
			return fmt.Errorf("usage: storeforge gc-roots add <store-path>")
		}
		return addGCRoot(linksDir, args[1])
	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: storeforge gc-roots remove <N>")
		}
		return removeGCRoot(linksDir, args[1])
	case "list":
		return listGCRoots(linksDir)
	default:
		return fmt.Errorf("unknown gc-roots subcommand %q (want add, remove, or list)", args[0])
	}
}

func addGCRoot(linksDir, storePath string) error {
	if err := os.MkdirAll(linksDir, 0o755); err != nil {
		return storeforge.NewSysError("create links dir", err)
	}

	nums, err := existingLinkNumbers(linksDir)
	if err != nil {
		return err
	}
	next := 0
	for _, n := range nums {
		if n >= next {
			next = n + 1
		}
	}

	linkPath := filepath.Join(linksDir, strconv.Itoa(next))
	if err := os.Symlink(storePath, linkPath); err != nil {
		return storeforge.NewSysError("create gc-root link", err)
	}
	fmt.Printf("%s -> %s\n", linkPath, storePath)
	return nil
}

func removeGCRoot(linksDir, nStr string) error {
	n, err := strconv.Atoi(nStr)
	if err != nil {
		return fmt.Errorf("not a link number: %q", nStr)
	}
	linkPath := filepath.Join(linksDir, strconv.Itoa(n))
	if err := os.Remove(linkPath); err != nil {
		return storeforge.NewSysError("remove gc-root link", err)
	}
	return nil
}

func listGCRoots(linksDir string) error {
	nums, err := existingLinkNumbers(linksDir)
	if err != nil {
		return err
	}
	sort.Ints(nums)
	for _, n := range nums {
		linkPath := filepath.Join(linksDir, strconv.Itoa(n))
		target, err := os.Readlink(linkPath)
		if err != nil {
			continue
		}
		fmt.Printf("%d -> %s\n", n, target)
	}
	return nil
}

func existingLinkNumbers(linksDir string) ([]int, error) {
	entries, err := os.ReadDir(linksDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeforge.NewSysError("read links dir", err)
	}
	var nums []int
	for _, e := range entries {
		if n, convErr := strconv.Atoi(e.Name()); convErr == nil {
			nums = append(nums, n)
		}
	}
	return nums, nil
}
