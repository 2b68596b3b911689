package report

import (
	"strings"
	"testing"
)

func driftFixture() (*Report, *Report) {
	base := &Report{Entries: []Entry{
		{ID: 0x100, Name: "EngineSpeed", Accuracy: 1.0},
		{ID: 0x200, Name: "WheelSpeeds", Accuracy: 5.0},
		{ID: 0x300, Name: "BrakeStatus", Accuracy: 2.0},
	}}
	curr := &Report{Entries: []Entry{
		{ID: 0x100, Name: "EngineSpeed", Accuracy: 4.0},
		{ID: 0x200, Name: "WheelSpeeds", Accuracy: 1.0},
		{ID: 0x400, Name: "SteeringAngle", Accuracy: 9.0},
	}}
	return base, curr
}

func TestDiffOrdersWorstRegressionFirst(t *testing.T) {
	base, curr := driftFixture()
	rows := Diff(base, curr)
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}

	// 0x100 regressed by +3, the zero-delta one-sided rows tie on ID,
	// and 0x200 improved by -4.
	wantOrder := []uint32{0x100, 0x300, 0x400, 0x200}
	for i, want := range wantOrder {
		if rows[i].ID != want {
			t.Fatalf("row %d: expected 0x%X, got 0x%X", i, want, rows[i].ID)
		}
	}

	if rows[0].Delta != 3.0 {
		t.Fatalf("expected delta +3 for 0x100, got %f", rows[0].Delta)
	}
	if rows[3].Delta != -4.0 {
		t.Fatalf("expected delta -4 for 0x200, got %f", rows[3].Delta)
	}
}

func TestDiffFlagsOneSidedStreams(t *testing.T) {
	base, curr := driftFixture()
	rows := Diff(base, curr)

	byID := make(map[uint32]DriftEntry, len(rows))
	for _, d := range rows {
		byID[d.ID] = d
	}

	gone := byID[0x300]
	if !gone.InOld || gone.InNew || gone.Delta != 0 {
		t.Fatalf("expected 0x300 gone with zero delta, got %+v", gone)
	}
	fresh := byID[0x400]
	if fresh.InOld || !fresh.InNew || fresh.Delta != 0 {
		t.Fatalf("expected 0x400 new with zero delta, got %+v", fresh)
	}
}

func TestDiffWithNilReports(t *testing.T) {
	base, _ := driftFixture()
	if rows := Diff(nil, nil); len(rows) != 0 {
		t.Fatalf("expected no rows for nil inputs, got %d", len(rows))
	}
	rows := Diff(base, nil)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for _, d := range rows {
		if d.InNew {
			t.Fatalf("expected all rows old-only, got %+v", d)
		}
	}
}

func TestRenderDriftMarkers(t *testing.T) {
	base, curr := driftFixture()
	out := RenderDrift(Diff(base, curr))
	if !strings.Contains(out, "(new)") {
		t.Fatalf("missing (new) marker in:\n%s", out)
	}
	if !strings.Contains(out, "(gone)") {
		t.Fatalf("missing (gone) marker in:\n%s", out)
	}
	if !strings.Contains(out, "DELTA") {
		t.Fatalf("missing header in:\n%s", out)
	}
	if got := RenderDrift(nil); !strings.Contains(got, "No overlap") {
		t.Fatalf("empty drift render: %q", got)
	}
}
