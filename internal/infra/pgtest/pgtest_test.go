package pgtest

import "testing"

func TestSplitSQLDropsCommentsAndBlanks(t *testing.T) {
	in := "-- header\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE INDEX b ON a (id);\n"
	got := splitSQL(stripSQLComments(in))
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE INDEX b ON a (id)" {
		t.Fatalf("unexpected statements %q", got)
	}
}
