package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/livegraph/pkg/config"
	"github.com/openfroyo/livegraph/pkg/engine"
)

// designFile is the on-disk form of a design. YAML and JSON are both
// accepted; field names follow the JSON tags of the engine snapshot types.
type designFile struct {
	// Constants are copied into every block snapshot.
	Constants map[string]string `json:"constants,omitempty"`

	// Zones is validated against the zone schema before submission.
	Zones map[string]any `json:"zones,omitempty"`

	Blocks      []engine.BlockSnapshot      `json:"blocks"`
	Connections []engine.ConnectionSnapshot `json:"connections,omitempty"`
}

// design is a loaded, validated design ready to submit to an engine.
type design struct {
	Path        string
	Zones       engine.ZoneSnapshot
	Blocks      []engine.BlockSnapshot
	Connections []engine.ConnectionSnapshot
}

// loadDesign reads a design file. YAML is decoded generically and re-encoded
// as JSON so the snapshot types need only one set of tags.
func loadDesign(path string, parser *config.ZoneParser) (*design, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read design: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse design %s: %w", path, err)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert design %s: %w", path, err)
	}

	var df designFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("invalid design %s: %w", path, err)
	}

	d := &design{Path: path, Connections: df.Connections}
	seen := make(map[string]bool, len(df.Blocks))
	for _, b := range df.Blocks {
		if b.UID == "" {
			return nil, fmt.Errorf("invalid design %s: block without uid", path)
		}
		if seen[b.UID] {
			return nil, fmt.Errorf("invalid design %s: duplicate block uid %q", path, b.UID)
		}
		seen[b.UID] = true
		if b.DisplayID == "" {
			b.DisplayID = b.UID
		}
		if len(df.Constants) > 0 {
			consts := make(map[string]string, len(df.Constants)+len(b.Constants))
			for k, v := range df.Constants {
				consts[k] = v
			}
			for k, v := range b.Constants {
				consts[k] = v
			}
			b.Constants = consts
		}
		d.Blocks = append(d.Blocks, b)
	}
	for _, c := range df.Connections {
		if !seen[c.SrcUID] || !seen[c.DstUID] {
			return nil, fmt.Errorf("invalid design %s: connection %s references an unknown block", path, c)
		}
	}

	if df.Zones != nil {
		zones, err := parser.ParseData(df.Zones, path)
		if err != nil {
			return nil, err
		}
		d.Zones = zones
	}
	return d, nil
}

// submit hands the design to the engine: zones first, so blocks land in
// their configured environments on the first cycle.
func (d *design) submit(eng *engine.Engine) error {
	if d.Zones != nil {
		if err := eng.SubmitZones(d.Zones); err != nil {
			return err
		}
	}
	return eng.SubmitTopology(d.Blocks, d.Connections)
}

// journalTee persists journal events and republishes them as telemetry events.
type journalTee struct {
	store engine.Journal
	pub   interface {
		PublishJournalEvent(engine.JournalEvent) error
	}
}

func (j journalTee) RecordEvent(ctx context.Context, event engine.JournalEvent) error {
	if j.pub != nil {
		_ = j.pub.PublishJournalEvent(event)
	}
	if j.store == nil {
		return nil
	}
	return j.store.RecordEvent(ctx, event)
}

func (j journalTee) RecordCommit(ctx context.Context, connections []engine.ConnectionSnapshot) error {
	if j.store == nil {
		return nil
	}
	return j.store.RecordCommit(ctx, connections)
}
