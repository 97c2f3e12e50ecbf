package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/livegraph/pkg/engine"
)

var zonesPath = cue.ParsePath("zones")

// ZoneParser validates zone configuration against ZoneSchema and decodes it
// into an engine.ZoneSnapshot. It is safe for concurrent use.
type ZoneParser struct {
	mu       sync.Mutex
	ctx      *cue.Context
	schema   cue.Value
	starlark *StarlarkEvaluator
}

// NewZoneParser creates a new zone parser.
func NewZoneParser() *ZoneParser {
	ctx := cuecontext.New()
	schema := ctx.CompileString(ZoneSchema, cue.Filename("zones.schema.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("zone schema does not compile: %v", err))
	}
	return &ZoneParser{
		ctx:      ctx,
		schema:   schema,
		starlark: NewStarlarkEvaluator(10 * time.Second),
	}
}

// LoadFile parses a zone file. The format follows the extension: .cue, .json,
// .yaml/.yml, or .star for a Starlark script defining a global "zones" dict.
func (zp *ZoneParser) LoadFile(ctx context.Context, path string) (engine.ZoneSnapshot, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zone file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return zp.ParseCUE(content, path)
	case ".json", ".yaml", ".yml":
		var data map[string]any
		if err := yaml.Unmarshal(content, &data); err != nil {
			return nil, ValidationErrors{{File: path, Message: err.Error()}}
		}
		return zp.ParseData(data, path)
	case ".star":
		return zp.ParseStarlark(ctx, string(content), path)
	default:
		return nil, fmt.Errorf("unsupported zone file extension %q", ext)
	}
}

// ParseCUE parses zone configuration written in CUE.
func (zp *ZoneParser) ParseCUE(content []byte, filename string) (engine.ZoneSnapshot, error) {
	zp.mu.Lock()
	defer zp.mu.Unlock()

	val := zp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, zp.convertCUEErrors(err)
	}
	return zp.decode(val)
}

// ParseData validates an already decoded zone map.
func (zp *ZoneParser) ParseData(data map[string]any, filename string) (engine.ZoneSnapshot, error) {
	if data == nil {
		data = map[string]any{}
	}

	zp.mu.Lock()
	defer zp.mu.Unlock()

	val := zp.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return zp.decode(val)
}

// ParseStarlark runs a Starlark script and validates its "zones" global.
func (zp *ZoneParser) ParseStarlark(ctx context.Context, script, filename string) (engine.ZoneSnapshot, error) {
	result, err := zp.starlark.Evaluate(ctx, filename, script, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	raw, ok := result.Output["zones"]
	if !ok {
		return nil, ValidationErrors{{File: filename, Message: `script does not define "zones"`}}
	}
	data, ok := raw.(map[string]any)
	if !ok {
		return nil, ValidationErrors{{File: filename, Path: "zones", Message: fmt.Sprintf("expected dict, got %T", raw)}}
	}
	return zp.ParseData(data, filename)
}

// decode unifies the zones value with the schema and decodes it.
func (zp *ZoneParser) decode(val cue.Value) (engine.ZoneSnapshot, error) {
	unified := zp.schema.FillPath(zonesPath, val).LookupPath(zonesPath)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, zp.convertCUEErrors(err)
	}

	var zones map[string]engine.ZoneConfig
	if err := unified.Decode(&zones); err != nil {
		return nil, fmt.Errorf("failed to decode zones: %w", err)
	}
	return engine.ZoneSnapshot(zones), nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (zp *ZoneParser) convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(trimZonesPath(e.Path()), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}

	return out
}

func trimZonesPath(path []string) []string {
	if len(path) > 0 && path[0] == "zones" {
		return path[1:]
	}
	return path
}
