package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/partop"
)

// Create command flags
var (
	createKind  string = "primary" // primary or logical
	createStart uint32              // starting cylinder
	createEnd   string              // ending cylinder, <N>m (MiB) or <N>c (cylinder count)
	createType  int    = -1         // index into the codec's type table
	createSpace int    = -1         // empty-space slice index; -1 picks the first
)

// createCreateCommand creates the create subcommand
func createCreateCommand() *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create [flags] DISK_IMAGE",
		Short: "create a slice in empty space",
		Long: `Create adds a primary or logical slice to the disk's label.
		The ending cylinder may be given directly, as <N>m for a size in
		MiB, or as <N>c for a cylinder count.`,
		Args: cobra.ExactArgs(1),
		RunE: executeCreate,
	}

	createCmd.Flags().StringVar(&createKind, "kind", "primary",
		"Slice kind to create: primary or logical")
	createCmd.Flags().Uint32Var(&createStart, "start", 0,
		"Starting cylinder")
	createCmd.Flags().StringVar(&createEnd, "end", "",
		"Ending cylinder, or <N>m (MiB) or <N>c (cylinders)")
	createCmd.Flags().IntVar(&createType, "type", -1,
		"Type table index to apply after creation (see the codec's type list)")
	createCmd.Flags().IntVar(&createSpace, "space", -1,
		"Empty-space slice index to create into (default: first empty space)")

	return createCmd
}

func executeCreate(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.Disk.Close()

	var kind label.Kind
	switch createKind {
	case "primary":
		kind = label.KindPrimary
	case "logical":
		kind = label.KindLogical
	default:
		return fmt.Errorf("create: unknown kind %q", createKind)
	}

	emptyIndex := createSpace
	if emptyIndex < 0 {
		for i, sl := range s.Table.Slices {
			if sl.Raw.Kind == label.KindEmpty {
				emptyIndex = i
				break
			}
		}
	}
	if emptyIndex < 0 {
		return fmt.Errorf("create: no empty space on %s", s.Disk.Name)
	}

	endCyl, err := resolveEndCylinder(createEnd, createStart, s.Table.Geometry)
	if err != nil {
		return err
	}

	idx, err := partop.Create(s.Table, emptyIndex, kind, createStart, endCyl)
	if err != nil {
		return err
	}
	if createType >= 0 {
		if err := partop.SetType(s.Table, idx, createType); err != nil {
			// An aborted type selection removes the just-created slice.
			_ = partop.Delete(s.Table, nil, idx)
			return err
		}
	}
	return commit(s)
}

// resolveEndCylinder parses the ending-cylinder expression: a bare
// cylinder number, "<N>m" for MiB, or "<N>c" for a cylinder count.
func resolveEndCylinder(expr string, startCyl uint32, geom label.Geometry) (uint32, error) {
	if expr == "" {
		return 0, fmt.Errorf("create: --end is required")
	}
	suffix := expr[len(expr)-1]
	switch suffix {
	case 'm', 'M':
		mib, err := strconv.ParseUint(strings.TrimSuffix(strings.ToLower(expr), "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("create: bad size %q: %w", expr, err)
		}
		cylBytes := geom.CylinderSectors() * 512
		if cylBytes == 0 {
			return 0, fmt.Errorf("create: disk geometry has no cylinder size")
		}
		cyls := (mib*1024*1024 + cylBytes - 1) / cylBytes
		if cyls == 0 {
			cyls = 1
		}
		return startCyl + uint32(cyls) - 1, nil
	case 'c', 'C':
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.ToLower(expr), "c"), 10, 32)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("create: bad cylinder count %q", expr)
		}
		return startCyl + uint32(n) - 1, nil
	default:
		end, err := strconv.ParseUint(expr, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("create: bad ending cylinder %q: %w", expr, err)
		}
		return uint32(end), nil
	}
}
