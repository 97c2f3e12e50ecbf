package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/livegraph/pkg/config"
	"github.com/openfroyo/livegraph/pkg/engine"
)

func writeDesign(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDesign_Demo(t *testing.T) {
	d, err := loadDesign("testdata/demo.yaml", config.NewZoneParser())
	if err != nil {
		t.Fatalf("loadDesign() error = %v", err)
	}

	if len(d.Blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(d.Blocks))
	}
	if len(d.Connections) != 2 {
		t.Fatalf("got %d connections, want 2", len(d.Connections))
	}
	if d.Zones != nil {
		t.Errorf("Zones = %v, want nil", d.Zones)
	}

	amp := d.Blocks[1]
	if amp.UID != "amp" || amp.DisplayID != "gain0" {
		t.Errorf("unexpected block: %s/%s", amp.UID, amp.DisplayID)
	}
	if amp.Desc.Calls[0].Kind != engine.CallSetter {
		t.Errorf("call kind = %q, want setter", amp.Desc.Calls[0].Kind)
	}
	if amp.Constants["level"] != "0.5" || amp.Constants["rate"] != "48000" {
		t.Errorf("constants not copied into block: %v", amp.Constants)
	}
	if amp.Properties["gain"] != "level * 2" {
		t.Errorf("gain = %q", amp.Properties["gain"])
	}
}

func TestLoadDesign(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		content   string
		wantErr   string
		wantZones int
	}{
		{
			name: "json with zones",
			file: "design.json",
			content: `{"zones": {"dsp": {"processName": "dsp", "threadCount": 2}}, ` +
				`"blocks": [{"uid": "a", "enabled": true, "zone": "dsp", "desc": {"path": "/blocks/source"}}]}`,
			wantZones: 1,
		},
		{
			name:    "block without uid",
			file:    "design.yaml",
			content: "blocks:\n  - displayId: x\n",
			wantErr: "block without uid",
		},
		{
			name:    "duplicate uid",
			file:    "design.yaml",
			content: "blocks:\n  - uid: a\n  - uid: a\n",
			wantErr: "duplicate block uid",
		},
		{
			name:    "dangling connection",
			file:    "design.yaml",
			content: "blocks:\n  - uid: a\nconnections:\n  - {srcUid: a, srcPort: '0', dstUid: b, dstPort: '0'}\n",
			wantErr: "unknown block",
		},
		{
			name:    "invalid zone",
			file:    "design.yaml",
			content: "zones:\n  dsp:\n    yieldMode: turbo\nblocks:\n  - uid: a\n",
			wantErr: "yieldMode",
		},
		{
			name:    "malformed yaml",
			file:    "design.yaml",
			content: "blocks: [",
			wantErr: "failed to parse design",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDesign(t, tt.file, tt.content)
			d, err := loadDesign(path, config.NewZoneParser())
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadDesign() error = %v", err)
			}
			if len(d.Zones) != tt.wantZones {
				t.Errorf("got %d zones, want %d", len(d.Zones), tt.wantZones)
			}
			if d.Blocks[0].DisplayID != d.Blocks[0].UID {
				t.Errorf("DisplayID = %q, want it to default to the uid", d.Blocks[0].DisplayID)
			}
		})
	}
}

type recordingJournal struct {
	events  []engine.JournalEvent
	commits int
	err     error
}

func (j *recordingJournal) RecordEvent(_ context.Context, ev engine.JournalEvent) error {
	j.events = append(j.events, ev)
	return j.err
}

func (j *recordingJournal) RecordCommit(context.Context, []engine.ConnectionSnapshot) error {
	j.commits++
	return j.err
}

type recordingPublisher struct {
	events []engine.JournalEvent
}

func (p *recordingPublisher) PublishJournalEvent(ev engine.JournalEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func TestJournalTee(t *testing.T) {
	store := &recordingJournal{}
	pub := &recordingPublisher{}
	tee := journalTee{store: store, pub: pub}
	ctx := context.Background()

	ev := engine.JournalEvent{Kind: engine.EventEnvironmentFailed, Subject: "lab/dsp"}
	if err := tee.RecordEvent(ctx, ev); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := tee.RecordCommit(ctx, nil); err != nil {
		t.Fatalf("RecordCommit() error = %v", err)
	}
	if len(store.events) != 1 || len(pub.events) != 1 || store.commits != 1 {
		t.Fatalf("store=%d/%d publisher=%d", len(store.events), store.commits, len(pub.events))
	}

	store.err = errors.New("disk full")
	if err := tee.RecordEvent(ctx, ev); err == nil {
		t.Error("expected store error to propagate")
	}
	if len(pub.events) != 2 {
		t.Errorf("publisher should see events even when the store fails")
	}

	empty := journalTee{}
	if err := empty.RecordEvent(ctx, ev); err != nil {
		t.Errorf("RecordEvent() without store error = %v", err)
	}
	if err := empty.RecordCommit(ctx, nil); err != nil {
		t.Errorf("RecordCommit() without store error = %v", err)
	}
}
