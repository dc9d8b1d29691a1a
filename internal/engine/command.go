// Package engine turns a flat profile into an invocation of the external
// slicing engine.
//
// The engine is called as
//
//	<executable> slice -v -p -j <schema.json> (-s <key>=<value>)* -l <model.stl> -o <output.gco>
//
// and reports progress on stderr (see package output).
package engine

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"slicer3d/internal/model"
	"slicer3d/internal/profile"
)

// MachineCodeExt is the extension of derived output paths.
const MachineCodeExt = ".gco"

// Keys overwritten from the printer volume on every invocation.
const (
	KeyMachineWidth  = "machine_width"
	KeyMachineDepth  = "machine_depth"
	KeyMachineHeight = "machine_height"
)

// Invocation is everything needed to build an engine command line.
type Invocation struct {
	Executable string
	ModelPath  string
	OutputPath string
	SchemaPath string
	Volume     model.Volume
	Settings   profile.Settings
}

// Command is a built engine command line.
type Command struct {
	Args       []string
	OutputPath string
}

// Build returns the argument vector for inv. inv.Settings is not modified.
// Values are passed through as-is; the engine decides what is valid.
func Build(inv Invocation) Command {
	output := inv.OutputPath
	if output == "" {
		output = OutputPathFor(inv.ModelPath)
	}

	settings := inv.Settings.Clone()
	settings[KeyMachineWidth] = inv.Volume.Width
	settings[KeyMachineDepth] = inv.Volume.Depth
	settings[KeyMachineHeight] = inv.Volume.Height

	args := []string{inv.Executable, "slice", "-v", "-p", "-j", inv.SchemaPath}
	for _, key := range settings.SortedKeys() {
		if profile.IsReserved(key) {
			continue
		}
		args = append(args, "-s", key+"="+FormatValue(settings[key]))
	}
	args = append(args, "-l", inv.ModelPath, "-o", output)

	return Command{Args: args, OutputPath: output}
}

// OutputPathFor replaces the extension of modelPath with MachineCodeExt.
func OutputPathFor(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + MachineCodeExt
}

// FormatValue renders a setting value the way the engine parses it.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	default:
		return fmt.Sprint(val)
	}
}
